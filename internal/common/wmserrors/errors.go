// Package wmserrors contains the typed errors returned by the matching and lifecycle services.
// HTTP handlers look for the error types defined in this file and set the response status accordingly;
// clients rebuild the same types from the kind carried on the wire, so callers on both sides use errors.As.
//
// NoMatch is deliberately absent: failing to find a job is an expected outcome and is returned as a value.
package wmserrors

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies an error category independently of its Go type, so it can cross a process boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidCapability
	KindVersionMismatch
	KindContention
	KindInvalidTransition
	KindRescheduleLimitExceeded
	KindPersistence
	KindSubmission
	KindWatchdogViolation
	KindNotFound
	KindAlreadyExists
	KindInvalidArgument
)

var kindNames = map[Kind]string{
	KindUnknown:                 "Unknown",
	KindInvalidCapability:       "InvalidCapability",
	KindVersionMismatch:         "VersionMismatch",
	KindContention:              "ContentionRetry",
	KindInvalidTransition:       "InvalidTransition",
	KindRescheduleLimitExceeded: "RescheduleLimitExceeded",
	KindPersistence:             "PersistenceFailure",
	KindSubmission:              "SubmissionFailure",
	KindWatchdogViolation:       "WatchdogViolation",
	KindNotFound:                "NotFound",
	KindAlreadyExists:           "AlreadyExists",
	KindInvalidArgument:         "InvalidArgument",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// ParseKind is the inverse of Kind.String. Unrecognised names map to KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// ErrInvalidCapability is returned when a resource presents a malformed or incomplete capability descriptor.
// These requests are never retried.
type ErrInvalidCapability struct {
	Field   string      // Name of the offending field, e.g., "Site"
	Value   interface{} // The value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidCapability) Error() string {
	s := "invalid capability"
	if err.Field != "" {
		s = fmt.Sprintf("invalid capability: value %v is invalid for field %q", err.Value, err.Field)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrVersionMismatch is returned when a capability declares a protocol version the server does not speak.
type ErrVersionMismatch struct {
	Requested string
	Supported []string
	Message   string
}

func (err *ErrVersionMismatch) Error() string {
	if err.Message != "" && err.Requested == "" {
		return fmt.Sprintf("protocol version mismatch; %s", err.Message)
	}
	return fmt.Sprintf("protocol version %q is not supported (supported: %s)", err.Requested, strings.Join(err.Supported, ", "))
}

// ErrContention is returned when a conditional update lost a race against a concurrent writer.
// The matcher handles it internally; other callers should re-read and retry.
type ErrContention struct {
	Type    string // Resource type, e.g., "job"
	Value   string // Resource id
	Message string
}

func (err *ErrContention) Error() string {
	s := fmt.Sprintf("concurrent modification of %s %s", err.Type, err.Value)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidTransition is returned when an edge outside the job state machine is requested.
// The job is left unchanged.
type ErrInvalidTransition struct {
	JobId   int64
	From    string
	To      string
	Message string
}

func (err *ErrInvalidTransition) Error() string {
	if err.From == "" && err.To == "" {
		return fmt.Sprintf("invalid transition for job %d; %s", err.JobId, err.Message)
	}
	return fmt.Sprintf("invalid transition for job %d from %s to %s", err.JobId, err.From, err.To)
}

// ErrRescheduleLimitExceeded is returned when a reschedule was refused because the job reached its limit.
// By the time this is returned the job has been moved to Failed.
type ErrRescheduleLimitExceeded struct {
	JobId   int64
	Limit   int
	Message string
}

func (err *ErrRescheduleLimitExceeded) Error() string {
	if err.Message != "" && err.Limit == 0 {
		return fmt.Sprintf("job %d reached the reschedule limit; %s", err.JobId, err.Message)
	}
	return fmt.Sprintf("job %d reached the reschedule limit of %d and has been failed", err.JobId, err.Limit)
}

// ErrPersistence wraps a transient storage error. It is retryable by the caller.
type ErrPersistence struct {
	Operation string
	Err       error
	Message   string
}

func (err *ErrPersistence) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("persistence failure during %s; %s", err.Operation, err.Message)
	}
	return fmt.Sprintf("persistence failure during %s: %s", err.Operation, err.Err)
}

func (err *ErrPersistence) Unwrap() error {
	return err.Err
}

// ErrSubmission is raised on the agent when a matched job could not be started locally.
type ErrSubmission struct {
	JobId   int64
	Err     error
	Message string
}

func (err *ErrSubmission) Error() string {
	s := fmt.Sprintf("failed to submit job %d", err.JobId)
	if err.Err != nil {
		s = s + fmt.Sprintf(": %s", err.Err)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

func (err *ErrSubmission) Unwrap() error {
	return err.Err
}

// ErrWatchdogViolation records the limit a payload exceeded. MinorStatus is what the job is failed with.
type ErrWatchdogViolation struct {
	Check       string
	MinorStatus string
	Message     string
}

func (err *ErrWatchdogViolation) Error() string {
	if err.Message != "" {
		return fmt.Sprintf("watchdog check %s failed: %s; %s", err.Check, err.MinorStatus, err.Message)
	}
	return fmt.Sprintf("watchdog check %s failed: %s", err.Check, err.MinorStatus)
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
type ErrAlreadyExists struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "priority"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// KindOf returns the kind of the first known error type in the chain of err.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrInvalidCapability
		if errors.As(err, &e) {
			return KindInvalidCapability
		}
	}
	{
		var e *ErrVersionMismatch
		if errors.As(err, &e) {
			return KindVersionMismatch
		}
	}
	{
		var e *ErrContention
		if errors.As(err, &e) {
			return KindContention
		}
	}
	{
		var e *ErrInvalidTransition
		if errors.As(err, &e) {
			return KindInvalidTransition
		}
	}
	{
		var e *ErrRescheduleLimitExceeded
		if errors.As(err, &e) {
			return KindRescheduleLimitExceeded
		}
	}
	{
		var e *ErrPersistence
		if errors.As(err, &e) {
			return KindPersistence
		}
	}
	{
		var e *ErrSubmission
		if errors.As(err, &e) {
			return KindSubmission
		}
	}
	{
		var e *ErrWatchdogViolation
		if errors.As(err, &e) {
			return KindWatchdogViolation
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return KindNotFound
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return KindAlreadyExists
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return KindInvalidArgument
		}
	}
	return KindUnknown
}

// HTTPStatusFromError maps error types to HTTP response codes.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindInvalidCapability, KindVersionMismatch, KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists, KindContention, KindInvalidTransition, KindRescheduleLimitExceeded:
		return http.StatusConflict
	case KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable returns true if the operation that produced err may succeed if retried unchanged.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindPersistence, KindContention:
		return true
	default:
		return false
	}
}

// FromKind rebuilds a typed error from a kind and message received over the wire.
func FromKind(kind Kind, message string) error {
	switch kind {
	case KindInvalidCapability:
		return &ErrInvalidCapability{Message: message}
	case KindVersionMismatch:
		return &ErrVersionMismatch{Message: message}
	case KindContention:
		return &ErrContention{Type: "remote", Message: message}
	case KindInvalidTransition:
		return &ErrInvalidTransition{Message: message}
	case KindRescheduleLimitExceeded:
		return &ErrRescheduleLimitExceeded{Message: message}
	case KindPersistence:
		return &ErrPersistence{Operation: "remote call", Message: message}
	case KindSubmission:
		return &ErrSubmission{Message: message}
	case KindWatchdogViolation:
		return &ErrWatchdogViolation{Message: message}
	case KindNotFound:
		return &ErrNotFound{Message: message}
	case KindAlreadyExists:
		return &ErrAlreadyExists{Message: message}
	case KindInvalidArgument:
		return &ErrInvalidArgument{Message: message}
	default:
		return errors.New(message)
	}
}

// WrapPersistence returns err unchanged if it already carries a known kind, and otherwise
// wraps it as an ErrPersistence for the named operation.
func WrapPersistence(operation string, err error) error {
	if err == nil || KindOf(err) != KindUnknown {
		return err
	}
	return &ErrPersistence{Operation: operation, Err: err}
}

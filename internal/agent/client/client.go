// Package client talks to the wms server on behalf of a pilot.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/gridwms/wms/internal/agent/failover"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/pkg/api"
)

const maxResponseBytes = 4 << 20

type Config struct {
	Url     string        `validate:"required,url"`
	Timeout time.Duration `validate:"required"`
	// Retryable failures are attempted Retries more times, RetryDelay apart.
	Retries    uint
	RetryDelay time.Duration
	// Zero disables rate limiting.
	RequestsPerSecond float64
	Burst             int
}

type HTTPClient struct {
	baseUrl    string
	http       *http.Client
	limiter    *rate.Limiter
	retries    uint
	retryDelay time.Duration
}

func New(config Config) (*HTTPClient, error) {
	u, err := url.Parse(config.Url)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server url %q", config.Url)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return &HTTPClient{
		baseUrl:    strings.TrimSuffix(u.String(), "/"),
		http:       &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		retries:    config.Retries,
		retryDelay: config.RetryDelay,
	}, nil
}

// RequestJob asks the matcher for work. A response without a job is not an error.
func (c *HTTPClient) RequestJob(ctx *wmscontext.Context, request api.MatchRequest) (*api.MatchResponse, error) {
	response := &api.MatchResponse{}
	if err := c.call(ctx, http.MethodPost, "/v1/match", request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (c *HTTPClient) Heartbeat(ctx *wmscontext.Context, jobID int64, request api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	response := &api.HeartbeatResponse{}
	if err := c.call(ctx, http.MethodPost, jobPath(jobID, "heartbeat"), request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (c *HTTPClient) ReportOutcome(ctx *wmscontext.Context, jobID int64, request api.OutcomeRequest) (*api.Job, error) {
	job := &api.Job{}
	if err := c.call(ctx, http.MethodPost, jobPath(jobID, "outcome"), request, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (c *HTTPClient) Reschedule(ctx *wmscontext.Context, jobID int64, reason string) (*api.Job, error) {
	job := &api.Job{}
	if err := c.call(ctx, http.MethodPost, jobPath(jobID, "reschedule"), api.RescheduleRequest{Reason: reason}, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (c *HTTPClient) RegisterPilot(ctx *wmscontext.Context, request api.RegisterPilotRequest) (*api.Pilot, error) {
	pilot := &api.Pilot{}
	if err := c.call(ctx, http.MethodPost, "/v1/pilots", request, pilot); err != nil {
		return nil, err
	}
	return pilot, nil
}

func (c *HTTPClient) ReportPilotStatus(ctx *wmscontext.Context, pilotReference string, status string) (*api.Pilot, error) {
	pilot := &api.Pilot{}
	if err := c.call(ctx, http.MethodPost, pilotPath(pilotReference), api.PilotStatusRequest{Status: status}, pilot); err != nil {
		return nil, err
	}
	return pilot, nil
}

// Replay sends a request that was stored while the server was unreachable.
func (c *HTTPClient) Replay(ctx *wmscontext.Context, request failover.Request) error {
	var path string
	switch request.Kind {
	case failover.KindOutcome:
		path = jobPath(request.JobID, "outcome")
	case failover.KindReschedule:
		path = jobPath(request.JobID, "reschedule")
	case failover.KindPilotStatus:
		path = pilotPath(request.PilotReference)
	default:
		return &wmserrors.ErrInvalidArgument{Name: "Kind", Value: request.Kind, Message: "unknown failover request"}
	}
	return c.do(ctx, http.MethodPost, path, request.Body, nil)
}

func jobPath(jobID int64, action string) string {
	return fmt.Sprintf("/v1/jobs/%d/%s", jobID, action)
}

func pilotPath(pilotReference string) string {
	return "/v1/pilots/" + url.PathEscape(pilotReference) + "/status"
}

func (c *HTTPClient) call(ctx *wmscontext.Context, method, path string, request, response interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return errors.WithStack(err)
	}
	return c.do(ctx, method, path, body, response)
}

// do sends body and decodes the reply into response, retrying failures the server may recover from.
func (c *HTTPClient) do(ctx *wmscontext.Context, method, path string, body []byte, response interface{}) error {
	return retry.Do(
		func() error {
			return c.once(ctx, method, path, body, response)
		},
		retry.Attempts(c.retries+1),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && wmserrors.IsRetryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.Debugf("retrying %s %s after attempt %d: %s", method, path, n+1, err)
		}),
	)
}

func (c *HTTPClient) once(ctx *wmscontext.Context, method, path string, body []byte, response interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseUrl+path, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		return &wmserrors.ErrPersistence{Operation: method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &wmserrors.ErrPersistence{Operation: method + " " + path, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}
	if response == nil {
		return nil
	}
	if err := json.Unmarshal(data, response); err != nil {
		return errors.Wrapf(err, "decoding response of %s %s", method, path)
	}
	return nil
}

// decodeError rebuilds the typed error the server reported. Bodies that are not api.Error, such as those of a
// proxy in front of the server, are classified by status alone.
func decodeError(status int, data []byte) error {
	var apiErr api.Error
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Kind != "" {
		return wmserrors.FromKind(wmserrors.ParseKind(apiErr.Kind), apiErr.Message)
	}
	message := strings.TrimSpace(string(data))
	if status >= http.StatusInternalServerError {
		return &wmserrors.ErrPersistence{Operation: "remote call", Message: fmt.Sprintf("status %d: %s", status, message)}
	}
	return errors.Errorf("unexpected status %d: %s", status, message)
}

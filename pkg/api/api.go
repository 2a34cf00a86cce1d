// Package api holds the JSON messages exchanged between the wms server and its pilots and clients.
package api

import "time"

const (
	// ProtocolVersion is sent by pilots when they request work.
	ProtocolVersion = "v1"

	InstructionNone = "None"
	InstructionKill = "Kill"
)

type SubmitJobRequest struct {
	Owner      string `json:"owner"`
	OwnerGroup string `json:"ownerGroup"`
	VO         string `json:"vo"`
	JDL        string `json:"jdl"`
}

type Payload struct {
	Executable       string   `json:"executable"`
	Arguments        string   `json:"arguments,omitempty"`
	SoftwarePackages []string `json:"softwarePackages,omitempty"`
	CPUTimeLimit     int64    `json:"cpuTimeLimit,omitempty"`
}

type ResourceUsage struct {
	CPUTimeSeconds   float64 `json:"cpuTimeSeconds"`
	WallClockSeconds float64 `json:"wallClockSeconds"`
	MemoryMB         int64   `json:"memoryMB"`
	DiskSpaceMB      int64   `json:"diskSpaceMB"`
	LoadAverage      float64 `json:"loadAverage"`
}

func (u ResourceUsage) CPUTime() time.Duration {
	return time.Duration(u.CPUTimeSeconds * float64(time.Second))
}

func (u ResourceUsage) WallClock() time.Duration {
	return time.Duration(u.WallClockSeconds * float64(time.Second))
}

type Job struct {
	JobID             int64         `json:"jobId"`
	Status            string        `json:"status"`
	MinorStatus       string        `json:"minorStatus"`
	ApplicationStatus string        `json:"applicationStatus,omitempty"`
	Owner             string        `json:"owner"`
	OwnerGroup        string        `json:"ownerGroup"`
	VO                string        `json:"vo"`
	JobType           string        `json:"jobType"`
	Priority          int32         `json:"priority"`
	Site              string        `json:"site,omitempty"`
	PilotReference    string        `json:"pilotReference,omitempty"`
	RescheduleCounter int           `json:"rescheduleCounter"`
	SubmissionTime    time.Time     `json:"submissionTime"`
	LastUpdateTime    time.Time     `json:"lastUpdateTime"`
	HeartbeatTime     time.Time     `json:"heartbeatTime"`
	JDL               string        `json:"jdl"`
	Payload           Payload       `json:"payload"`
	Usage             ResourceUsage `json:"usage"`
}

type AtticEntry struct {
	RescheduleCounter int       `json:"rescheduleCounter"`
	Status            string    `json:"status"`
	MinorStatus       string    `json:"minorStatus"`
	JDL               string    `json:"jdl"`
	Site              string    `json:"site,omitempty"`
	PilotReference    string    `json:"pilotReference,omitempty"`
	ArchivedAt        time.Time `json:"archivedAt"`
}

type RescheduleRequest struct {
	Reason string `json:"reason"`
}

// MatchRequest describes the resources a pilot offers.
type MatchRequest struct {
	ProtocolVersion    string   `json:"protocolVersion"`
	PilotReference     string   `json:"pilotReference"`
	Site               string   `json:"site"`
	Platform           string   `json:"platform,omitempty"`
	CPUTimeAvailable   int64    `json:"cpuTimeAvailable"`
	MemoryMB           int64    `json:"memoryMB,omitempty"`
	NumberOfProcessors int      `json:"numberOfProcessors,omitempty"`
	Tags               []string `json:"tags,omitempty"`
}

// MatchResponse carries either a job or the reason no job was handed out.
type MatchResponse struct {
	Matched bool   `json:"matched"`
	Job     *Job   `json:"job,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type HeartbeatRequest struct {
	PilotReference    string        `json:"pilotReference"`
	ApplicationStatus string        `json:"applicationStatus,omitempty"`
	Usage             ResourceUsage `json:"usage"`
	Time              time.Time     `json:"time"`
}

type HeartbeatResponse struct {
	Instruction string `json:"instruction"`
}

type OutcomeRequest struct {
	PilotReference    string        `json:"pilotReference"`
	ExitCode          int           `json:"exitCode"`
	MinorStatus       string        `json:"minorStatus,omitempty"`
	ApplicationStatus string        `json:"applicationStatus,omitempty"`
	Usage             ResourceUsage `json:"usage"`
}

type RegisterPilotRequest struct {
	PilotReference string `json:"pilotReference"`
	Site           string `json:"site"`
}

type PilotStatusRequest struct {
	Status string `json:"status"`
}

type Pilot struct {
	PilotReference  string    `json:"pilotReference"`
	Site            string    `json:"site"`
	Status          string    `json:"status"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	AssociatedJobID int64     `json:"associatedJobId,omitempty"`
	SubmissionTime  time.Time `json:"submissionTime"`
	LastUpdateTime  time.Time `json:"lastUpdateTime"`
}

type SiteMaskRequest struct {
	Status string `json:"status"`
	Author string `json:"author"`
	Reason string `json:"reason,omitempty"`
}

type SiteMaskEntry struct {
	Site       string    `json:"site"`
	Status     string    `json:"status"`
	Author     string    `json:"author,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	UpdateTime time.Time `json:"updateTime"`
}

type TaskQueue struct {
	TaskQueueID int64    `json:"taskQueueId"`
	Priority    int32    `json:"priority"`
	Sites       []string `json:"sites,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	CPUTime     int64    `json:"cpuTime"`
	Owner       string   `json:"owner"`
	OwnerGroup  string   `json:"ownerGroup"`
	JobIDs      []int64  `json:"jobIds"`
}

// Error is the body of every non 2xx response.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

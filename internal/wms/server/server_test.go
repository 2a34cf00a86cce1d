package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/gridwms/wms/internal/common/util"
	"github.com/gridwms/wms/internal/wms/jdl"
	"github.com/gridwms/wms/internal/wms/jobdb"
	"github.com/gridwms/wms/internal/wms/jobmanager"
	"github.com/gridwms/wms/internal/wms/matcher"
	"github.com/gridwms/wms/internal/wms/matching"
	"github.com/gridwms/wms/internal/wms/metrics"
	"github.com/gridwms/wms/internal/wms/sitemask"
	"github.com/gridwms/wms/internal/wms/taskqueue"
	"github.com/gridwms/wms/pkg/api"
)

const (
	siteXJDL       = `[ Executable = "run.sh"; Arguments = "-v"; Site = {"SiteX"}; CPUTime = 1000; ]`
	pilotReference = "pilot://2f3c"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *Server {
	repo, err := jobdb.NewJobDb()
	require.NoError(t, err)
	queues := taskqueue.New(taskqueue.LinearWeighting{}, util.NewThreadsafeRand(1))
	parser, err := jdl.NewCachingParser(100)
	require.NoError(t, err)
	builder := jdl.NewRequirementsBuilder(jdl.BuilderConfig{DefaultCPUTime: 3600, DefaultJobType: "User", MaxPriority: 10})
	fakeClock := clock.NewFakeClock(testTime)
	m := metrics.New()

	maskRepo := sitemask.NewMemoryRepository(fakeClock)
	cachedMask := sitemask.NewCachedSiteMask(maskRepo, time.Hour, fakeClock)
	filter := matching.NewFilter(matching.FilterConfig{}, cachedMask, matching.AllowAll{})

	jobs := jobmanager.New(jobmanager.Config{MaxReschedulings: jobdb.DefaultMaxReschedulings, UpdateRetries: 3}, repo, queues, parser, builder, fakeClock, m)
	match := matcher.New(matcher.Config{SupportedVersions: []string{api.ProtocolVersion}, MatchRetries: 3}, repo, queues, filter, fakeClock, m)
	return New(jobs, match, queues, maskRepo, cachedMask)
}

func do(t *testing.T, s *Server, method, path string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func TestJobLifecycle(t *testing.T) {
	s := newTestServer(t)

	var entry api.SiteMaskEntry
	rec := do(t, s, http.MethodPut, "/v1/sitemask/SiteX", api.SiteMaskRequest{Status: "Active", Author: "ops"}, &entry)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Active", entry.Status)
	assert.Equal(t, "ops", entry.Author)

	var submitted api.Job
	rec = do(t, s, http.MethodPost, "/v1/jobs", api.SubmitJobRequest{Owner: "alice", OwnerGroup: "lhcb_user", VO: "lhcb", JDL: siteXJDL}, &submitted)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Waiting", submitted.Status)
	assert.Equal(t, "run.sh", submitted.Payload.Executable)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	var queues []api.TaskQueue
	rec = do(t, s, http.MethodGet, "/v1/taskqueues", nil, &queues)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, queues, 1)
	assert.Equal(t, []int64{submitted.JobID}, queues[0].JobIDs)

	var pilot api.Pilot
	rec = do(t, s, http.MethodPost, "/v1/pilots", api.RegisterPilotRequest{PilotReference: pilotReference, Site: "SiteX"}, &pilot)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Submitted", pilot.Status)

	var match api.MatchResponse
	rec = do(t, s, http.MethodPost, "/v1/match", api.MatchRequest{
		ProtocolVersion:  api.ProtocolVersion,
		PilotReference:   pilotReference,
		Site:             "SiteX",
		CPUTimeAvailable: 5000,
	}, &match)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, match.Matched)
	assert.Equal(t, submitted.JobID, match.Job.JobID)
	assert.Equal(t, "Matched", match.Job.Status)

	jobPath := "/v1/jobs/" + strconv.FormatInt(submitted.JobID, 10)
	var heartbeat api.HeartbeatResponse
	rec = do(t, s, http.MethodPost, jobPath+"/heartbeat", api.HeartbeatRequest{
		PilotReference: pilotReference,
		Usage:          api.ResourceUsage{CPUTimeSeconds: 12.5, MemoryMB: 300},
		Time:           testTime,
	}, &heartbeat)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.InstructionNone, heartbeat.Instruction)

	var running api.Job
	rec = do(t, s, http.MethodGet, jobPath, nil, &running)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Running", running.Status)
	assert.Equal(t, 12.5, running.Usage.CPUTimeSeconds)

	var done api.Job
	rec = do(t, s, http.MethodPost, jobPath+"/outcome", api.OutcomeRequest{PilotReference: pilotReference}, &done)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Done", done.Status)

	rec = do(t, s, http.MethodGet, "/v1/pilots/"+url.PathEscape(pilotReference), nil, &pilot)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pilotReference, pilot.PilotReference)
	assert.Equal(t, "Running", pilot.Status)
	assert.Zero(t, pilot.AssociatedJobID)

	rec = do(t, s, http.MethodPost, "/v1/pilots/"+url.PathEscape(pilotReference)+"/status", api.PilotStatusRequest{Status: "Done"}, &pilot)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Done", pilot.Status)

	rec = do(t, s, http.MethodPost, jobPath+"/heartbeat", api.HeartbeatRequest{PilotReference: pilotReference}, &heartbeat)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.InstructionKill, heartbeat.Instruction)
}

func TestRescheduleAndAttic(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPut, "/v1/sitemask/SiteX", api.SiteMaskRequest{Status: "Active", Author: "ops"}, nil)

	var job api.Job
	do(t, s, http.MethodPost, "/v1/jobs", api.SubmitJobRequest{Owner: "alice", OwnerGroup: "lhcb_user", VO: "lhcb", JDL: siteXJDL}, &job)
	var match api.MatchResponse
	do(t, s, http.MethodPost, "/v1/match", api.MatchRequest{
		ProtocolVersion: api.ProtocolVersion, PilotReference: pilotReference, Site: "SiteX", CPUTimeAvailable: 5000,
	}, &match)
	require.True(t, match.Matched)

	jobPath := "/v1/jobs/" + strconv.FormatInt(job.JobID, 10)
	var rescheduled api.Job
	rec := do(t, s, http.MethodPost, jobPath+"/reschedule", api.RescheduleRequest{Reason: "node drained"}, &rescheduled)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Waiting", rescheduled.Status)
	assert.Equal(t, 1, rescheduled.RescheduleCounter)

	var attic []api.AtticEntry
	rec = do(t, s, http.MethodGet, jobPath+"/attic", nil, &attic)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, attic, 1)
	assert.Equal(t, "Matched", attic[0].Status)
	assert.Equal(t, pilotReference, attic[0].PilotReference)

	var canceled api.Job
	rec = do(t, s, http.MethodPost, jobPath+"/cancel", nil, &canceled)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Canceled", canceled.Status)

	rec = do(t, s, http.MethodDelete, jobPath, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodGet, jobPath, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrors(t *testing.T) {
	tests := map[string]struct {
		method         string
		path           string
		body           interface{}
		expectedStatus int
		expectedKind   string
	}{
		"unknown job": {
			method:         http.MethodGet,
			path:           "/v1/jobs/999",
			expectedStatus: http.StatusNotFound,
			expectedKind:   "NotFound",
		},
		"unknown route": {
			method:         http.MethodGet,
			path:           "/v2/jobs",
			expectedStatus: http.StatusNotFound,
			expectedKind:   "NotFound",
		},
		"malformed body": {
			method:         http.MethodPost,
			path:           "/v1/jobs",
			body:           map[string]int{"unexpected": 1},
			expectedStatus: http.StatusBadRequest,
			expectedKind:   "InvalidArgument",
		},
		"unparseable jdl": {
			method:         http.MethodPost,
			path:           "/v1/jobs",
			body:           api.SubmitJobRequest{Owner: "alice", JDL: "[ Executable = "},
			expectedStatus: http.StatusBadRequest,
			expectedKind:   "InvalidArgument",
		},
		"unsupported protocol version": {
			method:         http.MethodPost,
			path:           "/v1/match",
			body:           api.MatchRequest{ProtocolVersion: "v0", PilotReference: pilotReference, Site: "SiteX"},
			expectedStatus: http.StatusBadRequest,
			expectedKind:   "VersionMismatch",
		},
		"capability without site": {
			method:         http.MethodPost,
			path:           "/v1/match",
			body:           api.MatchRequest{ProtocolVersion: api.ProtocolVersion, PilotReference: pilotReference},
			expectedStatus: http.StatusBadRequest,
			expectedKind:   "InvalidCapability",
		},
		"invalid site mask status": {
			method:         http.MethodPut,
			path:           "/v1/sitemask/SiteX",
			body:           api.SiteMaskRequest{Status: "Sleeping", Author: "ops"},
			expectedStatus: http.StatusBadRequest,
			expectedKind:   "InvalidArgument",
		},
		"unknown site": {
			method:         http.MethodGet,
			path:           "/v1/sitemask/SiteZ",
			expectedStatus: http.StatusNotFound,
			expectedKind:   "NotFound",
		},
		"unknown pilot": {
			method:         http.MethodGet,
			path:           "/v1/pilots/" + url.PathEscape("pilot://missing"),
			expectedStatus: http.StatusNotFound,
			expectedKind:   "NotFound",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t)
			var body api.Error
			rec := do(t, s, tc.method, tc.path, tc.body, &body)
			assert.Equal(t, tc.expectedStatus, rec.Code)
			assert.Equal(t, tc.expectedKind, body.Kind)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestNoMatch(t *testing.T) {
	s := newTestServer(t)
	var match api.MatchResponse
	rec := do(t, s, http.MethodPost, "/v1/match", api.MatchRequest{
		ProtocolVersion: api.ProtocolVersion, PilotReference: pilotReference, Site: "SiteX", CPUTimeAvailable: 5000,
	}, &match)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, match.Matched)
	assert.Nil(t, match.Job)
	assert.NotEmpty(t, match.Reason)
}

func TestRescheduleWaitingJobIsConflict(t *testing.T) {
	s := newTestServer(t)
	var job api.Job
	do(t, s, http.MethodPost, "/v1/jobs", api.SubmitJobRequest{Owner: "alice", OwnerGroup: "lhcb_user", VO: "lhcb", JDL: siteXJDL}, &job)

	var body api.Error
	rec := do(t, s, http.MethodPost, "/v1/jobs/"+strconv.FormatInt(job.JobID, 10)+"/reschedule", api.RescheduleRequest{}, &body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InvalidTransition", body.Kind)
}

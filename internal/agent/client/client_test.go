package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwms/wms/internal/agent/failover"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/pkg/api"
)

type recorded struct {
	method string
	path   string
	body   string
}

type recorder struct {
	mu       sync.Mutex
	requests []recorded
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.requests...)
}

// newTestClient serves every request with handler and records what was received.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *recorder) {
	requests := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		requests.mu.Lock()
		requests.requests = append(requests.requests, recorded{method: req.Method, path: req.URL.EscapedPath(), body: string(body)})
		requests.mu.Unlock()
		assert.NotEmpty(t, req.Header.Get("X-Request-Id"))
		handler(w, req)
	}))
	t.Cleanup(server.Close)
	client, err := New(Config{Url: server.URL + "/", Timeout: 5 * time.Second, Retries: 2})
	require.NoError(t, err)
	return client, requests
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestRequestJob(t *testing.T) {
	client, requests := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, api.MatchResponse{Matched: true, Job: &api.Job{JobID: 17, Status: "Matched"}})
	})
	response, err := client.RequestJob(wmscontext.Background(), api.MatchRequest{
		ProtocolVersion:  api.ProtocolVersion,
		PilotReference:   "pilot://2f3c",
		Site:             "SiteX",
		CPUTimeAvailable: 2000,
	})
	require.NoError(t, err)
	assert.True(t, response.Matched)
	assert.Equal(t, int64(17), response.Job.JobID)

	require.Len(t, requests.all(), 1)
	assert.Equal(t, http.MethodPost, requests.all()[0].method)
	assert.Equal(t, "/v1/match", requests.all()[0].path)
	assert.Contains(t, requests.all()[0].body, `"cpuTimeAvailable":2000`)
}

func TestEndpoints(t *testing.T) {
	tests := map[string]struct {
		call func(c *HTTPClient) error
		path string
	}{
		"heartbeat": {
			call: func(c *HTTPClient) error {
				_, err := c.Heartbeat(wmscontext.Background(), 5, api.HeartbeatRequest{PilotReference: "pilot://2f3c"})
				return err
			},
			path: "/v1/jobs/5/heartbeat",
		},
		"outcome": {
			call: func(c *HTTPClient) error {
				_, err := c.ReportOutcome(wmscontext.Background(), 5, api.OutcomeRequest{ExitCode: 1})
				return err
			},
			path: "/v1/jobs/5/outcome",
		},
		"reschedule": {
			call: func(c *HTTPClient) error {
				_, err := c.Reschedule(wmscontext.Background(), 5, "submission failed")
				return err
			},
			path: "/v1/jobs/5/reschedule",
		},
		"register pilot": {
			call: func(c *HTTPClient) error {
				_, err := c.RegisterPilot(wmscontext.Background(), api.RegisterPilotRequest{PilotReference: "pilot://2f3c", Site: "SiteX"})
				return err
			},
			path: "/v1/pilots",
		},
		"pilot status": {
			call: func(c *HTTPClient) error {
				_, err := c.ReportPilotStatus(wmscontext.Background(), "pilot://2f3c", "Done")
				return err
			},
			path: "/v1/pilots/pilot:%2F%2F2f3c/status",
		},
		"replay outcome": {
			call: func(c *HTTPClient) error {
				return c.Replay(wmscontext.Background(), failover.Request{Kind: failover.KindOutcome, JobID: 9, Body: []byte(`{}`)})
			},
			path: "/v1/jobs/9/outcome",
		},
		"replay pilot status": {
			call: func(c *HTTPClient) error {
				return c.Replay(wmscontext.Background(), failover.Request{
					Kind:           failover.KindPilotStatus,
					PilotReference: "pilot://2f3c",
					Body:           []byte(`{"status":"Done"}`),
				})
			},
			path: "/v1/pilots/pilot:%2F%2F2f3c/status",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			client, requests := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{})
			})
			require.NoError(t, tc.call(client))
			require.Len(t, requests.all(), 1)
			assert.Equal(t, tc.path, requests.all()[0].path)
		})
	}
}

func TestErrors(t *testing.T) {
	tests := map[string]struct {
		status   int
		body     interface{}
		kind     wmserrors.Kind
		attempts int
	}{
		"typed error is not retried": {
			status:   http.StatusConflict,
			body:     api.Error{Kind: "InvalidTransition", Message: "job 5 is Done"},
			kind:     wmserrors.KindInvalidTransition,
			attempts: 1,
		},
		"persistence failure is retried": {
			status:   http.StatusServiceUnavailable,
			body:     api.Error{Kind: "PersistenceFailure", Message: "database unavailable"},
			kind:     wmserrors.KindPersistence,
			attempts: 3,
		},
		"bare gateway error is retried": {
			status:   http.StatusBadGateway,
			body:     "bad gateway",
			kind:     wmserrors.KindPersistence,
			attempts: 3,
		},
		"bare client error": {
			status:   http.StatusTeapot,
			body:     "no",
			kind:     wmserrors.KindUnknown,
			attempts: 1,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			client, requests := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, tc.status, tc.body)
			})
			_, err := client.Reschedule(wmscontext.Background(), 5, "")
			require.Error(t, err)
			assert.Equal(t, tc.kind, wmserrors.KindOf(err))
			assert.Len(t, requests.all(), tc.attempts)
		})
	}
}

func TestRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, api.Error{Kind: "PersistenceFailure"})
			return
		}
		writeJSON(w, http.StatusOK, api.HeartbeatResponse{Instruction: api.InstructionKill})
	})
	response, err := client.Heartbeat(wmscontext.Background(), 5, api.HeartbeatRequest{})
	require.NoError(t, err)
	assert.Equal(t, api.InstructionKill, response.Instruction)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := New(Config{Url: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = client.ReportOutcome(wmscontext.Background(), 5, api.OutcomeRequest{})
	assert.Equal(t, wmserrors.KindPersistence, wmserrors.KindOf(err))
	assert.True(t, wmserrors.IsRetryable(err))
}

func TestReplayUnknownKind(t *testing.T) {
	client, requests := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {})
	err := client.Replay(wmscontext.Background(), failover.Request{Kind: "bogus"})
	assert.Equal(t, wmserrors.KindInvalidArgument, wmserrors.KindOf(err))
	assert.Empty(t, requests.all())
}

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gridwms/wms/internal/common/logging"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/internal/wms/jobdb"
	"github.com/gridwms/wms/internal/wms/jobmanager"
	"github.com/gridwms/wms/internal/wms/matcher"
	"github.com/gridwms/wms/internal/wms/matching"
	"github.com/gridwms/wms/internal/wms/sitemask"
	"github.com/gridwms/wms/internal/wms/taskqueue"
	"github.com/gridwms/wms/pkg/api"
)

const (
	maxRequestBytes = 1 << 20
	requestIDHeader = "X-Request-Id"
)

// SiteMaskRefresher is told to reload after the site mask has been changed through the API.
type SiteMaskRefresher interface {
	Refresh(ctx *wmscontext.Context) error
}

// Server exposes job submission, matching and pilot reporting over HTTP.
type Server struct {
	http.Handler
	jobs          *jobmanager.JobManager
	matcher       *matcher.Matcher
	queues        *taskqueue.TaskQueues
	siteMask      sitemask.Repository
	siteMaskCache SiteMaskRefresher
	log           *logrus.Entry
}

func New(
	jobs *jobmanager.JobManager,
	matcher *matcher.Matcher,
	queues *taskqueue.TaskQueues,
	siteMask sitemask.Repository,
	siteMaskCache SiteMaskRefresher,
) *Server {
	s := &Server{
		jobs:          jobs,
		matcher:       matcher,
		queues:        queues,
		siteMask:      siteMask,
		siteMaskCache: siteMaskCache,
		log:           logrus.WithField("component", "server"),
	}

	r := mux.NewRouter()
	// Pilot references contain slashes, so they travel path-escaped.
	r.UseEncodedPath()
	jobPath := `/v1/jobs/{id:[0-9]+}`
	pilotPath := `/v1/pilots/{ref}`

	get := r.Methods(http.MethodGet).Subrouter()
	get.HandleFunc(jobPath, s.handleGetJob)
	get.HandleFunc(jobPath+`/attic`, s.handleGetAttic)
	get.HandleFunc(pilotPath, s.handleGetPilot)
	get.HandleFunc(`/v1/sitemask`, s.handleListSiteMask)
	get.HandleFunc(`/v1/sitemask/{site}`, s.handleGetSiteMask)
	get.HandleFunc(`/v1/taskqueues`, s.handleListTaskQueues)

	post := r.Methods(http.MethodPost).Subrouter()
	post.HandleFunc(`/v1/jobs`, s.handleSubmit)
	post.HandleFunc(jobPath+`/cancel`, s.handleCancel)
	post.HandleFunc(jobPath+`/reschedule`, s.handleReschedule)
	post.HandleFunc(jobPath+`/heartbeat`, s.handleHeartbeat)
	post.HandleFunc(jobPath+`/outcome`, s.handleOutcome)
	post.HandleFunc(`/v1/match`, s.handleMatch)
	post.HandleFunc(`/v1/pilots`, s.handleRegisterPilot)
	post.HandleFunc(pilotPath+`/status`, s.handlePilotStatus)

	put := r.Methods(http.MethodPut).Subrouter()
	put.HandleFunc(`/v1/sitemask/{site}`, s.handleSetSiteMask)

	del := r.Methods(http.MethodDelete).Subrouter()
	del.HandleFunc(jobPath, s.handleDeleteJob)

	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleNotFound)
	s.Handler = r
	return s
}

// requestContext returns a context whose logger carries the request id, taken from the caller when supplied.
func (s *Server) requestContext(w http.ResponseWriter, req *http.Request) *wmscontext.Context {
	requestID := req.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)
	return wmscontext.New(req.Context(), s.log.WithFields(logrus.Fields{
		"requestId": requestID,
		"method":    req.Method,
		"path":      req.URL.Path,
	}))
}

func (s *Server) handleSubmit(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	var request api.SubmitJobRequest
	if err := decode(req, &request); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	identity := matching.Identity{Owner: request.Owner, OwnerGroup: request.OwnerGroup, VO: request.VO}
	job, err := s.jobs.Submit(ctx, identity, request.JDL)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusCreated, toAPIJob(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	jobID, err := jobIDFromPath(req)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, toAPIJob(job))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	jobID, err := jobIDFromPath(req)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if err := s.jobs.Delete(ctx, jobID); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	jobID, err := jobIDFromPath(req)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	job, err := s.jobs.Cancel(ctx, jobID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, toAPIJob(job))
}

func (s *Server) handleReschedule(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	jobID, err := jobIDFromPath(req)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	var request api.RescheduleRequest
	if err := decode(req, &request); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	job, err := s.jobs.Reschedule(ctx, jobID, request.Reason)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, toAPIJob(job))
}

func (s *Server) handleGetAttic(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	jobID, err := jobIDFromPath(req)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	entries, err := s.jobs.GetAttic(ctx, jobID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, toAPIAttic(entries))
}

func (s *Server) handleMatch(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	var request api.MatchRequest
	if err := decode(req, &request); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	result, err := s.matcher.RequestJob(ctx, toCapability(request))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	response := api.MatchResponse{Matched: result.Outcome == matcher.Matched, Reason: result.Reason}
	if result.Job != nil {
		response.Job = toAPIJob(result.Job)
	}
	s.writeJSON(ctx, w, http.StatusOK, response)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	jobID, err := jobIDFromPath(req)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	var request api.HeartbeatRequest
	if err := decode(req, &request); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	instruction, err := s.jobs.Heartbeat(ctx, jobID, jobmanager.HeartbeatReport{
		PilotReference:    request.PilotReference,
		ApplicationStatus: request.ApplicationStatus,
		Usage:             fromAPIUsage(request.Usage),
		Time:              request.Time,
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, api.HeartbeatResponse{Instruction: instruction.String()})
}

func (s *Server) handleOutcome(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	jobID, err := jobIDFromPath(req)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	var request api.OutcomeRequest
	if err := decode(req, &request); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	job, err := s.jobs.ReportOutcome(ctx, jobID, request.PilotReference, jobmanager.Outcome{
		ExitCode:          request.ExitCode,
		MinorStatus:       request.MinorStatus,
		ApplicationStatus: request.ApplicationStatus,
		Usage:             fromAPIUsage(request.Usage),
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, toAPIJob(job))
}

func (s *Server) handleRegisterPilot(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	var request api.RegisterPilotRequest
	if err := decode(req, &request); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	pilot, err := s.jobs.RegisterPilot(ctx, request.PilotReference, request.Site)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusCreated, toAPIPilot(pilot))
}

func (s *Server) handleGetPilot(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	reference, err := pathVar(req, "ref")
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	pilot, err := s.jobs.GetPilot(ctx, reference)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, toAPIPilot(pilot))
}

func (s *Server) handlePilotStatus(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	reference, err := pathVar(req, "ref")
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	var request api.PilotStatusRequest
	if err := decode(req, &request); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	pilot, err := s.jobs.ReportPilotStatus(ctx, reference, jobdb.PilotStatus(request.Status))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, toAPIPilot(pilot))
}

func (s *Server) handleListSiteMask(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	entries, err := s.siteMask.All(ctx)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	out := make([]api.SiteMaskEntry, len(entries))
	for i, entry := range entries {
		out[i] = toAPISiteMaskEntry(entry)
	}
	s.writeJSON(ctx, w, http.StatusOK, out)
}

func (s *Server) handleGetSiteMask(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	site, err := pathVar(req, "site")
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	entry, err := s.siteMask.Get(ctx, site)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, toAPISiteMaskEntry(entry))
}

func (s *Server) handleSetSiteMask(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	site, err := pathVar(req, "site")
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	var request api.SiteMaskRequest
	if err := decode(req, &request); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if request.Author == "" {
		s.writeError(ctx, w, &wmserrors.ErrInvalidArgument{Name: "Author", Value: request.Author, Message: "must not be empty"})
		return
	}
	if err := sitemask.Set(ctx, s.siteMask, site, sitemask.Status(request.Status), request.Author, request.Reason); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	ctx.Log.Infof("site %s set to %s by %s", site, request.Status, request.Author)
	if s.siteMaskCache != nil {
		if err := s.siteMaskCache.Refresh(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("failed to refresh cached site mask")
		}
	}
	entry, err := s.siteMask.Get(ctx, site)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, toAPISiteMaskEntry(entry))
}

func (s *Server) handleListTaskQueues(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	snapshot := s.queues.Snapshot()
	out := make([]api.TaskQueue, len(snapshot))
	for i, info := range snapshot {
		out[i] = toAPITaskQueue(info)
	}
	s.writeJSON(ctx, w, http.StatusOK, out)
}

func (s *Server) handleNotFound(w http.ResponseWriter, req *http.Request) {
	ctx := s.requestContext(w, req)
	s.writeError(ctx, w, &wmserrors.ErrNotFound{Type: "route", Value: req.Method + " " + req.URL.Path})
}

func (s *Server) writeJSON(ctx *wmscontext.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		ctx.Log.WithError(err).Warn("failed to write response")
	}
}

func (s *Server) writeError(ctx *wmscontext.Context, w http.ResponseWriter, err error) {
	status := wmserrors.HTTPStatusFromError(err)
	if status >= http.StatusInternalServerError {
		logging.WithStacktrace(ctx.Log, err).Error("request failed")
	} else {
		ctx.Log.Debugf("request rejected: %v", err)
	}
	s.writeJSON(ctx, w, status, api.Error{Kind: wmserrors.KindOf(err).String(), Message: err.Error()})
}

func decode(req *http.Request, out interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(req.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return &wmserrors.ErrInvalidArgument{Name: "body", Value: "", Message: errors.Wrap(err, "malformed request").Error()}
	}
	return nil
}

func pathVar(req *http.Request, name string) (string, error) {
	value, err := url.PathUnescape(mux.Vars(req)[name])
	if err != nil {
		return "", &wmserrors.ErrInvalidArgument{Name: name, Value: mux.Vars(req)[name], Message: "malformed path"}
	}
	return value, nil
}

func jobIDFromPath(req *http.Request) (int64, error) {
	raw := mux.Vars(req)["id"]
	jobID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || jobID <= 0 {
		return 0, &wmserrors.ErrInvalidArgument{Name: "jobId", Value: raw, Message: "must be a positive integer"}
	}
	return jobID, nil
}

// Package admin is the operator HTTP API: list and inspect workflow runs,
// silence and wake them, publish signals, and dump run history. It is a
// control-plane surface for humans and tooling, not a data path; mount it
// behind whatever auth the deployment uses.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/chirp/internal/wfdb"
	"github.com/petrijr/chirp/pkg/id"
)

// defaultListLimit bounds unpaginated list responses.
const defaultListLimit = 100

// Server serves the operator API over a workflow database.
type Server struct {
	db  wfdb.Database
	dc  uint16
	log *slog.Logger
}

// New builds the server. dc labels the ids it mints for operator-published
// signals.
func New(db wfdb.Database, dc uint16, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{db: db, dc: dc, log: log.With("component", "admin")}
}

// Router returns the API's routes, ready to mount.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/workflows", s.listWorkflows)
	r.Route("/workflows/{id}", func(r chi.Router) {
		r.Get("/", s.getWorkflow)
		r.Post("/silence", s.silenceWorkflow)
		r.Post("/wake", s.wakeWorkflow)
		r.Post("/signals", s.publishSignal)
		r.Get("/history", s.getHistory)
	})
	return r
}

// workflowView is the wire form of a run.
type workflowView struct {
	WorkflowID string            `json:"workflow_id"`
	Name       string            `json:"name"`
	State      string            `json:"state"`
	CreateTS   int64             `json:"create_ts"`
	RayID      string            `json:"ray_id"`
	Tags       map[string]string `json:"tags,omitempty"`
	Input      json.RawMessage   `json:"input,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func viewOf(wf *wfdb.WorkflowData) workflowView {
	return workflowView{
		WorkflowID: wf.WorkflowID.String(),
		Name:       wf.Name,
		State:      wf.DerivedState().String(),
		CreateTS:   wf.CreateTS,
		RayID:      wf.RayID.String(),
		Tags:       wf.Tags,
		Input:      wf.Input,
		Output:     wf.Output,
		Error:      wf.Error,
	}
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	state := wfdb.StateAny
	if qs := q.Get("state"); qs != "" {
		parsed, ok := wfdb.ParseState(qs)
		if !ok {
			s.fail(w, http.StatusBadRequest, "unknown state %q", qs)
			return
		}
		state = parsed
	}
	limit := defaultListLimit
	if ql := q.Get("limit"); ql != "" {
		n, err := strconv.Atoi(ql)
		if err != nil || n <= 0 {
			s.fail(w, http.StatusBadRequest, "bad limit %q", ql)
			return
		}
		limit = n
	}
	tags, err := parseTags(q.Get("tags"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "bad tags: %v", err)
		return
	}

	wfs, err := s.db.FindWorkflows(r.Context(), q.Get("name"), tags, state, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	views := make([]workflowView, len(wfs))
	for i, wf := range wfs {
		views[i] = viewOf(wf)
	}
	s.respond(w, http.StatusOK, map[string]any{"workflows": views})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wfID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	wf, err := s.db.GetWorkflow(r.Context(), wfID)
	if err != nil {
		s.dbError(w, err)
		return
	}
	s.respond(w, http.StatusOK, viewOf(wf))
}

func (s *Server) silenceWorkflow(w http.ResponseWriter, r *http.Request) {
	wfID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.db.SilenceWorkflow(r.Context(), wfID); err != nil {
		s.dbError(w, err)
		return
	}
	s.log.Info("workflow silenced", "workflow_id", wfID)
	s.respond(w, http.StatusOK, map[string]any{"silenced": true})
}

func (s *Server) wakeWorkflow(w http.ResponseWriter, r *http.Request) {
	wfID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.db.WakeWorkflow(r.Context(), wfID); err != nil {
		if errors.Is(err, wfdb.ErrWorkflowNotFound) {
			s.fail(w, http.StatusNotFound, "workflow not found")
			return
		}
		s.fail(w, http.StatusConflict, "%v", err)
		return
	}
	s.log.Info("workflow woken", "workflow_id", wfID)
	s.respond(w, http.StatusOK, map[string]any{"woken": true})
}

func (s *Server) publishSignal(w http.ResponseWriter, r *http.Request) {
	wfID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string          `json:"name"`
		Body json.RawMessage `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "bad signal request: %v", err)
		return
	}
	if req.Name == "" {
		s.fail(w, http.StatusBadRequest, "signal name is required")
		return
	}

	sigID := id.New(s.dc)
	err := s.db.PublishSignal(r.Context(), id.New(s.dc), wfID, sigID, req.Name, req.Body)
	if err != nil {
		s.dbError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"signal_id": sigID.String()})
}

// historyEntryView is the wire form of one history event.
type historyEntryView struct {
	Location  string          `json:"location,omitempty"`
	Kind      string          `json:"kind"`
	Version   int             `json:"version"`
	CreateTS  int64           `json:"create_ts"`
	Forgotten bool            `json:"forgotten,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	wfID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	includeErrors := boolParam(q, "include_errors")
	includeForgotten := boolParam(q, "include_forgotten")
	printLocation := boolParam(q, "print_location")

	entries, err := s.db.GetWorkflowHistory(r.Context(), wfID, includeForgotten)
	if err != nil {
		s.dbError(w, err)
		return
	}

	views := make([]historyEntryView, 0, len(entries))
	for _, e := range entries {
		view := historyEntryView{
			Kind:      e.Event.Kind.String(),
			Version:   e.Event.Version,
			CreateTS:  e.Event.CreateTS,
			Forgotten: e.Event.Forgotten,
		}
		if printLocation {
			view.Location = e.Location.String()
		}
		if includeErrors && e.Event.Activity != nil {
			view.Errors = e.Event.Activity.Errors
		}
		if detail, err := json.Marshal(e.Event); err == nil {
			view.Detail = detail
		}
		views = append(views, view)
	}
	s.respond(w, http.StatusOK, map[string]any{"history": views})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (id.Id, bool) {
	raw := chi.URLParam(r, "id")
	wfID, err := id.Parse(raw)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "bad workflow id %q", raw)
		return id.Nil, false
	}
	return wfID, true
}

func (s *Server) dbError(w http.ResponseWriter, err error) {
	if errors.Is(err, wfdb.ErrWorkflowNotFound) {
		s.fail(w, http.StatusNotFound, "workflow not found")
		return
	}
	s.internalError(w, err)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin request failed", "error", err)
	s.fail(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) fail(w http.ResponseWriter, status int, format string, args ...any) {
	s.respond(w, status, map[string]any{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("response write failed", "error", err)
	}
}

// parseTags reads the `k1=v1,k2=v2` query form.
func parseTags(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	tags := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed tag pair %q", pair)
		}
		tags[k] = v
	}
	return tags, nil
}

// boolParam treats a bare query param (`?include_errors`) as true.
func boolParam(q url.Values, key string) bool {
	if !q.Has(key) {
		return false
	}
	raw := q.Get(key)
	if raw == "" {
		return true
	}
	b, err := strconv.ParseBool(raw)
	return err == nil && b
}

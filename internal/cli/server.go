package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"github.com/slaclab/cpsw-tpg/internal/engine"
	"github.com/slaclab/cpsw-tpg/internal/irq"
	"github.com/slaclab/cpsw-tpg/internal/sim"
	"github.com/slaclab/cpsw-tpg/internal/tpg"
)

// Server exposes a simulated TPG over HTTP.
//
// Handlers are the TPG's control goroutine: engine mutations are
// serialized by mu so the single-writer rule holds across requests.
type Server struct {
	mu      sync.Mutex
	group   *tpg.Group
	machine *sim.Machine
	logger  *slog.Logger
}

// NewServer returns a server over group, whose registers live in machine.
func NewServer(group *tpg.Group, machine *sim.Machine, logger *slog.Logger) *Server {
	return &Server{group: group, machine: machine, logger: logger.With("component", "serve")}
}

// EngineInfo describes one engine in the /api/engines listing.
type EngineInfo struct {
	ID        int              `json:"id"`
	Kind      string           `json:"kind"`
	Role      string           `json:"role"`
	Sequences []LoadedSequence `json:"sequences"`
	FreeWords int              `json:"free_words"`
	State     sim.State        `json:"state"`
}

// StartRequest is the body of POST /api/engines/{id}/start.
type StartRequest struct {
	Sequence int    `json:"sequence"`
	Offset   int    `json:"offset"`
	Sync     uint32 `json:"sync"`
}

// MPSStateRequest is the body of POST /api/engines/{id}/mps.
type MPSStateRequest struct {
	State int    `json:"state"`
	Sync  uint32 `json:"sync"`
}

// ResetRequest is the body of POST /api/reset.
type ResetRequest struct {
	Engines []int `json:"engines"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Epoch      uint64    `json:"epoch"`
	Engines    int       `json:"engines"`
	Dispatcher irq.Stats `json:"dispatcher"`
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/api/engines", s.listEngines).Methods(http.MethodGet)
	r.HandleFunc("/api/engines/{id:[0-9]+}/dump", s.dump).Methods(http.MethodGet)
	r.HandleFunc("/api/engines/{id:[0-9]+}/reset", s.reset).Methods(http.MethodPost)
	r.HandleFunc("/api/engines/{id:[0-9]+}/start", s.start).Methods(http.MethodPost)
	r.HandleFunc("/api/engines/{id:[0-9]+}/mps", s.mpsState).Methods(http.MethodPost)
	r.HandleFunc("/api/reset", s.resetEngines).Methods(http.MethodPost)
	return r
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Epoch:      s.machine.Epoch(),
		Engines:    s.group.Len(),
		Dispatcher: s.group.Dispatcher().Stats(),
	})
}

func (s *Server) listEngines(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.group.Config()
	infos := make([]EngineInfo, 0, s.group.Len())
	for i := 0; i < s.group.Len(); i++ {
		e, err := s.group.Engine(i)
		if err != nil {
			s.writeError(w, err)
			return
		}
		info := EngineInfo{ID: i, Kind: e.Kind().String(), Role: string(cfg.Role(i)), Sequences: []LoadedSequence{}}
		for _, id := range e.Sequences() {
			seq, _ := e.Sequence(id)
			info.Sequences = append(info.Sequences, LoadedSequence{ID: id, Base: seq.Base, Words: seq.Len()})
		}
		for _, g := range e.Gaps() {
			info.FreeWords += g.Words
		}
		if info.State, err = s.machine.State(i); err != nil {
			s.writeError(w, err)
			return
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, infos)
}

// engineFor resolves the {id} route variable, writing 404 when it names
// no engine.
func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err == nil {
		var e *engine.Engine
		if e, err = s.group.Engine(id); err == nil {
			return e, true
		}
	}
	writeJSON(w, http.StatusNotFound, CLIError{Code: ErrCodeNotFound, Message: err.Error()})
	return nil, false
}

func (s *Server) dump(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := e.Dump(w); err != nil {
		s.logger.Error("dump failed", "engine", e.ID(), "error", err)
	}
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := e.Reset(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := e.SetAddress(req.Sequence, req.Offset, req.Sync); err != nil {
		s.writeError(w, err)
		return
	}
	if err := e.Reset(); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("engine started", "engine", e.ID(), "sequence", req.Sequence, "offset", req.Offset)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mpsState(w http.ResponseWriter, r *http.Request) {
	var req MPSStateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := e.SetMPSState(req.State, req.Sync); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("mps state applied", "engine", e.ID(), "state", req.State)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resetEngines(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.group.ResetEngines(req.Engines...); err != nil {
		writeJSON(w, http.StatusBadRequest, CLIError{Code: ErrCodeGeneric, Message: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps an engine error to a status code: unknown sequences are
// 404, rejected operations 409 and register failures 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch engine.CodeOf(err) {
	case engine.ErrCodeNotFound:
		status = http.StatusNotFound
	case engine.ErrCodeRegisterAccess, "":
	default:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, CLIError{Code: ErrCodeEngine, Message: err.Error(), Details: engineErrorDetails(err)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, CLIError{Code: ErrCodeGeneric, Message: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

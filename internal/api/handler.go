// Package api serves the juttled HTTP and websocket interface.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"juttled/internal/apperrors"
	"juttled/internal/bundle"
	"juttled/internal/engine"
	"juttled/internal/health"
	"juttled/internal/job"
	"juttled/internal/observer"
	"juttled/internal/protocol"
	"juttled/internal/topic"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

const bundleMissingProgram = "Bundle does not contain program property"

// Handler contains the HTTP handlers of the service.
type Handler struct {
	jobs         *job.Manager
	observers    *observer.Manager
	topics       *topic.Notifier
	bundler      *bundle.Bundler
	health       *health.Checker
	sockets      *socketServer
	implicitSink string
}

// createJobRequest is the body of POST /jobs. Exactly one of Bundle and Path
// names the program.
type createJobRequest struct {
	Bundle    json.RawMessage `json:"bundle"`
	Path      *string         `json:"path"`
	Inputs    protocol.Inputs `json:"inputs"`
	Observer  string          `json:"observer"`
	Wait      bool            `json:"wait"`
	Timeout   float64         `json:"timeout"`
	ReturnPid bool            `json:"return_pid"`
}

type prepareRequest struct {
	Bundle json.RawMessage `json:"bundle"`
	Inputs protocol.Inputs `json:"inputs"`
}

// CreateJob handles POST /api/v0/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	var b protocol.Bundle
	if req.Path != nil {
		res, err := h.bundler.Bundle(r.Context(), *req.Path)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		b = res.Bundle
	} else {
		var err error
		if b, err = parseBundle(req.Bundle); err != nil {
			h.handleError(w, r, err)
			return
		}
	}

	run := job.RunRequest{
		Bundle:     b,
		Inputs:     req.Inputs,
		ObserverID: req.Observer,
		Timeout:    time.Duration(req.Timeout * float64(time.Millisecond)),
	}

	if req.Wait {
		out, err := h.jobs.RunProgramWait(r.Context(), run)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, out)
		return
	}

	res, err := h.jobs.RunProgram(r.Context(), run)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !req.ReturnPid {
		res.Pid = 0
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ListJobs handles GET /api/v0/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.GetAllJobs()
	descs := make([]job.Description, len(jobs))
	for i, j := range jobs {
		descs[i] = j.Describe()
	}
	h.writeJSON(w, http.StatusOK, descs)
}

// GetJob handles GET /api/v0/jobs/{job_id}. A websocket upgrade on the same
// path subscribes to the job instead.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if isWebsocket(r) {
		h.SubscribeJob(w, r)
		return
	}

	id := r.PathValue("job_id")
	j, ok := h.jobs.GetJob(id)
	if !ok {
		h.handleError(w, r, apperrors.JobNotFound(id))
		return
	}
	h.writeJSON(w, http.StatusOK, j.Describe())
}

// DeleteJob handles DELETE /api/v0/jobs/{job_id}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.DeleteJob(r.PathValue("job_id")); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct{}{})
}

// ListObservers handles GET /api/v0/observers
func (h *Handler) ListObservers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.observers.ListObservers())
}

// GetPath handles GET /api/v0/paths/{path...}
func (h *Handler) GetPath(w http.ResponseWriter, r *http.Request) {
	res, err := h.bundler.Bundle(r.Context(), r.PathValue("path"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Prepare handles POST /api/v0/prepare: it compiles a bundle and describes
// the inputs the program declares.
func (h *Handler) Prepare(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	b, err := parseBundle(req.Bundle)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	prog, err := engine.Compile(b, engine.CompileOptions{ImplicitSink: h.implicitSink, Inputs: req.Inputs})
	if err != nil {
		var jerr *engine.Error
		if errors.As(err, &jerr) {
			err = apperrors.Juttle(jerr, b)
		}
		h.handleError(w, r, err)
		return
	}

	inputs := prog.Inputs()
	if inputs == nil {
		inputs = []engine.InputDesc{}
	}
	h.writeJSON(w, http.StatusOK, inputs)
}

// Livez handles GET /livez
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz. It answers 503 while shutting down or when no
// worker can be launched.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Bundle("invalid json", nil)
	}
	return nil
}

// parseBundle checks that raw is an object with a string program.
func parseBundle(raw json.RawMessage) (protocol.Bundle, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields["program"] == nil {
		return protocol.Bundle{}, apperrors.Bundle(bundleMissingProgram, raw)
	}
	var b protocol.Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return protocol.Bundle{}, apperrors.Bundle(err.Error(), raw)
	}
	return b, nil
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleError writes err as a structured error body with its status.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeJSON(w, status, apperrors.ToBody(err))
}

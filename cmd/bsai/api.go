package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blas1n/bsai-sub001/eventbus"
	pipelinecontroller "github.com/blas1n/bsai-sub001/processor/pipeline-controller"
	"github.com/blas1n/bsai-sub001/workflow/breakpoint"
)

// Handler returns the HTTP routes: the session websocket, the run API and
// Prometheus metrics.
func (a *App) Handler() http.Handler {
	auth := a.authenticator()
	ws := eventbus.NewWebSocketServer(a.broadcaster, a.router, auth, nil, a.logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.Handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.Handle("POST /runs", requireAuth(auth, http.HandlerFunc(a.handleStart)))
	mux.Handle("GET /runs/{id}", requireAuth(auth, http.HandlerFunc(a.handleGet)))
	mux.Handle("POST /runs/{id}/resume", requireAuth(auth, http.HandlerFunc(a.handleResume)))
	mux.Handle("POST /runs/{id}/continue", requireAuth(auth, http.HandlerFunc(a.handleContinue)))
	mux.Handle("POST /runs/{id}/cancel", requireAuth(auth, http.HandlerFunc(a.handleCancel)))
	return mux
}

// authenticator accepts configured bearer tokens, or everyone when none
// are configured.
func (a *App) authenticator() eventbus.Authenticator {
	if len(a.cfg.Server.Tokens) > 0 {
		return eventbus.TokenAuthenticator(a.cfg.Server.Tokens)
	}
	return func(*http.Request) (string, error) { return "anonymous", nil }
}

func requireAuth(auth eventbus.Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth(r); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// startResponse acknowledges an asynchronous start.
type startResponse struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
}

// handleStart starts a run. With ?wait=true it drives the run until it
// suspends or finishes and returns it; otherwise it answers 202 with the
// session to subscribe to.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var req pipelinecontroller.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Request == "" {
		writeError(w, http.StatusBadRequest, errors.New("request is required"))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	ctx := context.WithoutCancel(r.Context())
	if r.URL.Query().Get("wait") == "true" {
		run, err := a.controller.Start(ctx, req)
		if run == nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	go func() {
		if _, err := a.controller.Start(ctx, req); err != nil {
			a.logger.Warn("Run failed to start", "session_id", req.SessionID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, startResponse{SessionID: req.SessionID, TaskID: req.TaskID})
}

func (a *App) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := a.controller.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleResume applies a breakpoint decision and drives the run until its
// next suspension.
func (a *App) handleResume(w http.ResponseWriter, r *http.Request) {
	var d breakpoint.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := a.controller.Resume(context.WithoutCancel(r.Context()), r.PathValue("id"), d)
	if run == nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *App) handleContinue(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.ResumeExecution(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.Cancel(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pipelinecontroller.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipelinecontroller.ErrRunFinished),
		errors.Is(err, pipelinecontroller.ErrNotPaused),
		errors.Is(err, breakpoint.ErrNoSuspension):
		return http.StatusConflict
	case errors.Is(err, breakpoint.ErrInvalidDecision):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

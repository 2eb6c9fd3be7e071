package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/linguaflow/internal/health"
	"github.com/MrWong99/linguaflow/internal/observe"
	"github.com/MrWong99/linguaflow/internal/scenario"
	"github.com/MrWong99/linguaflow/internal/session"
)

// turnView is the JSON shape of a transcript turn.
type turnView struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type startRequest struct {
	Language string `json:"language"`
	Topic    string `json:"topic"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler returns the status and control API, wrapped in the tracing and
// metrics middleware:
//
//	GET  /healthz, /readyz     liveness and readiness
//	GET  /metrics              Prometheus scrape endpoint
//	GET  /scenarios            the scenario catalog
//	GET  /session              current [SessionInfo]
//	GET  /session/transcript   finalized turns of the current session
//	POST /session/start        body {"language": ..., "topic": ...}
//	POST /session/resume
//	POST /session/stop
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)

	mux.HandleFunc("GET /scenarios", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.sessions.Catalog())
	})
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.sessions.Info())
	})
	mux.HandleFunc("GET /session/transcript", func(w http.ResponseWriter, _ *http.Request) {
		turns := a.sessions.Transcript()
		out := make([]turnView, len(turns))
		for i, t := range turns {
			out[i] = turnView{Speaker: t.Speaker.String(), Text: t.Text, CreatedAt: t.CreatedAt}
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("POST /session/start", func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
			return
		}
		if err := a.sessions.Start(r.Context(), req.Language, req.Topic); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a.sessions.Info())
	})
	mux.HandleFunc("POST /session/resume", func(w http.ResponseWriter, r *http.Request) {
		if err := a.sessions.Resume(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a.sessions.Info())
	})
	mux.HandleFunc("POST /session/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := a.sessions.Stop(); err != nil {
			// The session is stopped regardless; report the release failure.
			observe.Logger(r.Context()).Warn("session stop reported release errors", "err", err)
		}
		writeJSON(w, http.StatusOK, a.sessions.Info())
	})

	return observe.Middleware(a.metrics)(mux)
}

// writeError maps session and scenario errors to HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scenario.ErrUnknownLanguage), errors.Is(err, scenario.ErrUnknownTopic):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrNotResumable):
		status = http.StatusConflict
	case session.IsKind(err, session.KindDeviceUnavailable):
		status = http.StatusServiceUnavailable
	case session.IsKind(err, session.KindConnectionSetup), errors.Is(err, session.ErrSetupTimeout):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("session request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

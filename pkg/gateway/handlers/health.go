package handlers

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-signal/pkg/gateway/config"
	"github.com/vango-go/vai-signal/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// SessionCounter reports how many signal sessions are registered.
type SessionCounter interface {
	Count() int
}

// ReadyHandler reports 200 when the relay accepts new sessions, 503 while
// draining and 500 when the loaded configuration is invalid.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  SessionCounter
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		Draining      bool     `json:"draining"`
		Sessions      int      `json:"sessions"`
		MaxSessions   int      `json:"max_sessions"`
		AtCapacity    bool     `json:"at_capacity"`
		VertexAI      bool     `json:"vertex_ai"`
		Model         string   `json:"model"`
		UptimeSeconds int64    `json:"uptime_seconds"`
		Issues        []string `json:"issues,omitempty"`
	}

	var issues []string
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}

	count := 0
	if h.Sessions != nil {
		count = h.Sessions.Count()
	}
	draining := h.Lifecycle.IsDraining()

	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, readyResp{
		OK:            status == http.StatusOK,
		Draining:      draining,
		Sessions:      count,
		MaxSessions:   h.Config.MaxSessions,
		AtCapacity:    h.Config.MaxSessions > 0 && count >= h.Config.MaxSessions,
		VertexAI:      h.Config.UseVertexAI,
		Model:         h.Config.Model,
		UptimeSeconds: int64(h.Lifecycle.Uptime(time.Now()).Seconds()),
		Issues:        issues,
	})
}

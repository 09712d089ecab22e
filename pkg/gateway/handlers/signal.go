package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-signal/pkg/core"
	"github.com/vango-go/vai-signal/pkg/gateway/config"
	"github.com/vango-go/vai-signal/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-signal/pkg/gateway/metrics"
	"github.com/vango-go/vai-signal/pkg/gateway/principal"
	"github.com/vango-go/vai-signal/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-signal/pkg/gateway/signal/session"
	"github.com/vango-go/vai-signal/pkg/gateway/signal/sessions"
)

// SessionIDHeader carries the new session's id on the upgrade response. The
// id addresses the session on the code generation endpoint.
const SessionIDHeader = "X-Signal-Session-Id"

// AudioSink accepts drained audio windows. It must not block.
type AudioSink interface {
	SubmitAudio(sessionID string, payload []byte) bool
}

// SignalHandler upgrades GET requests on the signal path to a websocket
// session and serves it until the connection ends.
type SignalHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Limiter   *ratelimit.Limiter
	Sessions  *sessions.Registry
	Audio     AudioSink
}

func (h SignalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		h.Metrics.SessionRejected("draining")
		writeCoreErrorJSON(w, reqID, core.NewOverloadedError("relay is draining", "draining"), 529)
		return
	}
	if h.Config.MaxSessions > 0 && h.Sessions.Count() >= h.Config.MaxSessions {
		h.Metrics.SessionRejected("capacity")
		writeCoreErrorJSON(w, reqID, core.NewUnavailableError("session capacity reached", "capacity", 1), http.StatusServiceUnavailable)
		return
	}
	if !h.Config.OriginAllowed(r.Header.Get("Origin")) {
		h.Metrics.SessionRejected("origin")
		permErr := core.NewPermissionError("origin is not allowed")
		permErr.Param = "Origin"
		writeCoreErrorJSON(w, reqID, permErr, http.StatusForbidden)
		return
	}

	client := principal.Resolve(r, h.Config.TrustProxyHeaders).Key
	dec := h.Limiter.AcquireSession(client, time.Now())
	if !dec.Allowed {
		h.Metrics.SessionRejected("rate_limited")
		retry := max(dec.RetryAfter, 1)
		writeCoreErrorJSON(w, reqID, &core.Error{
			Type:       core.ErrRateLimit,
			Message:    "too many active signal sessions",
			Code:       "session_limit",
			RetryAfter: &retry,
		}, http.StatusTooManyRequests)
		return
	}
	defer dec.Permit.Release()

	upgrader := websocket.Upgrader{
		// Origin is checked above so rejections carry the JSON envelope.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	sessionID := session.NewID()
	conn, err := upgrader.Upgrade(w, r, http.Header{SessionIDHeader: []string{sessionID}})
	if err != nil {
		h.Metrics.SessionRejected("upgrade_failed")
		logger.Debug("websocket upgrade failed", "request_id", reqID, "error", err)
		return
	}

	sess, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		Metrics:   h.Metrics,
		SessionID: sessionID,
		RequestID: reqID,
		Config: session.Config{
			AudioThresholdBytes:    h.Config.AudioThresholdBytes,
			MaxFrameBytes:          h.Config.MaxFrameBytes,
			MaxAudioFPS:            h.Config.MaxAudioFPS,
			MaxAudioBytesPerSecond: h.Config.MaxAudioBytesPerSecond,
			InboundBurstSeconds:    h.Config.InboundBurstSeconds,
			OutboundQueueSize:      h.Config.OutboundQueueSize,
			PingInterval:           h.Config.WSPingInterval,
			WriteTimeout:           h.Config.WSWriteTimeout,
			ReadTimeout:            h.Config.WSReadTimeout,
		},
		OnAudioWindow: h.onAudioWindow,
	})
	if err != nil {
		logger.Error("signal session setup failed", "request_id", reqID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session setup failed"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	remove := h.Sessions.Add(sess)
	defer remove()

	h.Metrics.SessionOpened()
	start := time.Now()
	defer func() { h.Metrics.SessionClosed(time.Since(start)) }()

	if err := sess.Run(); err != nil {
		logger.Warn("signal session ended with error", "session_id", sess.ID(), "request_id", reqID, "client", client, "error", err)
	}
}

func (h SignalHandler) onAudioWindow(sessionID string, payload []byte) {
	if h.Audio == nil {
		return
	}
	h.Audio.SubmitAudio(sessionID, payload)
}

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-signal/pkg/core"
	"github.com/vango-go/vai-signal/pkg/gateway/config"
)

// CodeSubmitter schedules code generation for a session.
type CodeSubmitter interface {
	SubmitCode(sessionID, transcript string) bool
}

// OpenChecker reports whether a session id refers to an open session.
type OpenChecker interface {
	IsOpen(id string) bool
}

type codeRequest struct {
	Transcript string `json:"transcript"`
}

type codeAccepted struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// CodeHandler serves POST /v1/sessions/{id}/code. The generated snippets are
// delivered on the session's websocket, not in the response.
type CodeHandler struct {
	Config     config.Config
	Logger     *slog.Logger
	Sessions   OpenChecker
	Dispatcher CodeSubmitter
}

func (h CodeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	if r.Method != http.MethodPost {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" || h.Sessions == nil || !h.Sessions.IsOpen(sessionID) {
		writeCoreErrorJSON(w, reqID, core.NewNotFoundError("session not found or closed"), http.StatusNotFound)
		return
	}

	if h.Config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	}
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("request body is required"), http.StatusBadRequest)
			return
		}
		writeError(w, reqID, err)
		return
	}
	req.Transcript = strings.TrimSpace(req.Transcript)
	if req.Transcript == "" {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("transcript must not be empty", "transcript"), http.StatusBadRequest)
		return
	}

	if h.Dispatcher == nil || !h.Dispatcher.SubmitCode(sessionID, req.Transcript) {
		writeCoreErrorJSON(w, reqID, core.NewUnavailableError("dispatch pool is saturated", "dispatch_saturated", 1), http.StatusServiceUnavailable)
		return
	}

	if h.Logger != nil {
		h.Logger.Info("code generation queued", "session_id", sessionID, "request_id", reqID, "transcript_bytes", len(req.Transcript))
	}
	writeJSON(w, http.StatusAccepted, codeAccepted{SessionID: sessionID, Status: "accepted"})
}

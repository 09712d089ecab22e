package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/vai-signal/pkg/core"
	"github.com/vango-go/vai-signal/pkg/core/signal"
)

func postCode(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCodeHandler_AcceptedDeliversDraftingThenCode(t *testing.T) {
	rl := newRelay(t, testRelayConfig(), nil)
	conn, id := rl.dialSession(t)
	_ = readSignal(t, conn)

	resp := postCode(t, rl.srv.URL+"/v1/sessions/"+id+"/code", `{"transcript":"we need a rate limiter"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var accepted codeAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.SessionID != id || accepted.Status != "accepted" {
		t.Fatalf("body = %+v", accepted)
	}

	drafting := readSignal(t, conn)
	if drafting.Title != "Drafting Code..." {
		t.Fatalf("first signal = %+v", drafting)
	}
	code := readSignal(t, conn)
	if code.Type != signal.KindCodeGenerated || code.Title != "Live Code Context" {
		t.Fatalf("second signal = %+v", code)
	}
	if code.CodeSnippets["go"] != "package main" || len(code.CodeSnippets) != 3 {
		t.Fatalf("snippets = %v", code.CodeSnippets)
	}

	reqs := rl.model.snapshot()
	if len(reqs) != 1 || !strings.Contains(reqs[0].Text, "we need a rate limiter") {
		t.Fatalf("inference requests = %+v", reqs)
	}
}

func TestCodeHandler_Errors(t *testing.T) {
	rl := newRelay(t, testRelayConfig(), nil)
	conn, id := rl.dialSession(t)
	_ = readSignal(t, conn)

	cases := []struct {
		name     string
		id       string
		body     string
		status   int
		wantType core.ErrorType
	}{
		{"unknown session", "nope", `{"transcript":"x"}`, http.StatusNotFound, core.ErrNotFound},
		{"empty transcript", id, `{"transcript":"   "}`, http.StatusBadRequest, core.ErrInvalidRequest},
		{"missing body", id, ``, http.StatusBadRequest, core.ErrInvalidRequest},
		{"invalid json", id, `{"transcript":`, http.StatusBadRequest, core.ErrInvalidRequest},
		{"wrong type", id, `{"transcript":42}`, http.StatusBadRequest, core.ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postCode(t, rl.srv.URL+"/v1/sessions/"+tc.id+"/code", tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			var env struct {
				Error core.Error `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Error.Type != tc.wantType {
				t.Fatalf("type = %q, want %q", env.Error.Type, tc.wantType)
			}
		})
	}
}

type openAll struct{}

func (openAll) IsOpen(string) bool { return true }

type refuseAll struct{}

func (refuseAll) SubmitCode(string, string) bool { return false }

func TestCodeHandler_SaturatedPool(t *testing.T) {
	h := CodeHandler{Config: testRelayConfig(), Sessions: openAll{}, Dispatcher: refuseAll{}}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/code", strings.NewReader(`{"transcript":"x"}`))
	req.SetPathValue("id", "s1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
	if !strings.Contains(rr.Body.String(), `"code":"dispatch_saturated"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestCodeHandler_BodyTooLarge(t *testing.T) {
	cfg := testRelayConfig()
	cfg.MaxBodyBytes = 16
	h := CodeHandler{Config: cfg, Sessions: openAll{}, Dispatcher: refuseAll{}}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/code", strings.NewReader(`{"transcript":"`+strings.Repeat("a", 64)+`"}`))
	req.SetPathValue("id", "s1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCodeHandler_MethodNotAllowed(t *testing.T) {
	h := CodeHandler{Config: testRelayConfig(), Sessions: openAll{}, Dispatcher: refuseAll{}}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/code", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}

// Package signal defines the structured events pushed to connected clients.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"
)

// Kind categorizes a Signal.
type Kind string

const (
	KindDecisionPoint  Kind = "DECISION_POINT"
	KindInputRequired  Kind = "INPUT_REQUIRED"
	KindRiskDetected   Kind = "RISK_DETECTED"
	KindContradiction  Kind = "CONTRADICTION"
	KindIdle           Kind = "IDLE"
	KindImageGenerated Kind = "IMAGE_GENERATED"
	KindCodeGenerated  Kind = "CODE_GENERATED"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDecisionPoint, KindInputRequired, KindRiskDetected, KindContradiction,
		KindIdle, KindImageGenerated, KindCodeGenerated:
		return true
	default:
		return false
	}
}

// ErrMalformed is returned when model output cannot be decoded into a Signal.
var ErrMalformed = errors.New("malformed model output")

// Signal is one outbound event. Values are never mutated after they are sent;
// use the With* helpers to derive modified copies.
type Signal struct {
	Type              Kind              `json:"type"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	SuggestedResponse string            `json:"suggestedResponse"`
	Confidence        float64           `json:"confidence"`
	Timestamp         time.Time         `json:"timestamp"`
	ImageBase64       string            `json:"imageBase64,omitempty"`
	CodeSnippets      map[string]string `json:"codeSnippets,omitempty"`
	// SessionID is set only on the Ready signal. Browser clients cannot read
	// handshake headers, so this is how they learn their session id.
	SessionID string `json:"sessionId,omitempty"`
}

// WithTimestamp returns a copy of s stamped with t.
func (s Signal) WithTimestamp(t time.Time) Signal {
	out := s
	out.Timestamp = t.UTC()
	out.CodeSnippets = maps.Clone(s.CodeSnippets)
	return out
}

// Decode parses a model response into a Signal. Markdown code fences around
// the JSON body are tolerated. The returned Signal has a zero Timestamp.
func Decode(raw string) (Signal, error) {
	body := StripFences(raw)
	if body == "" {
		return Signal{}, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var wire struct {
		Type              string            `json:"type"`
		Title             string            `json:"title"`
		Description       string            `json:"description"`
		SuggestedResponse string            `json:"suggestedResponse"`
		Confidence        float64           `json:"confidence"`
		ImageBase64       string            `json:"imageBase64"`
		CodeSnippets      map[string]string `json:"codeSnippets"`
	}
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind := Kind(strings.ToUpper(strings.TrimSpace(wire.Type)))
	if !kind.Valid() {
		return Signal{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, wire.Type)
	}

	return Signal{
		Type:              kind,
		Title:             strings.TrimSpace(wire.Title),
		Description:       strings.TrimSpace(wire.Description),
		SuggestedResponse: strings.TrimSpace(wire.SuggestedResponse),
		Confidence:        clampConfidence(wire.Confidence),
		ImageBase64:       wire.ImageBase64,
		CodeSnippets:      wire.CodeSnippets,
	}, nil
}

// DecodeSnippets parses a language -> source mapping produced by the code
// generation call.
func DecodeSnippets(raw string) (map[string]string, error) {
	body := StripFences(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	var snippets map[string]string
	if err := json.Unmarshal([]byte(body), &snippets); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := make(map[string]string, len(snippets))
	for lang, src := range snippets {
		lang = strings.ToLower(strings.TrimSpace(lang))
		if lang == "" || strings.TrimSpace(src) == "" {
			continue
		}
		out[lang] = src
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no snippets", ErrMalformed)
	}
	return out, nil
}

// StripFences removes ```json / ``` markers models sometimes wrap around JSON.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```JSON", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

func clampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Ready is sent once when a session opens and carries the session id.
func Ready(sessionID string, now time.Time) Signal {
	return Signal{
		Type:        KindIdle,
		Title:       "Signal Active",
		Description: "Listening for high-impact meeting moments...",
		Confidence:  1.0,
		Timestamp:   now.UTC(),
		SessionID:   sessionID,
	}
}

// Drafting is sent before a code generation request starts.
func Drafting(now time.Time) Signal {
	return Signal{
		Type:        KindIdle,
		Title:       "Drafting Code...",
		Description: "Generating polyglot implementation...",
		Confidence:  1.0,
		Timestamp:   now.UTC(),
	}
}

// Draining is broadcast when the server begins a graceful shutdown.
func Draining(now time.Time) Signal {
	return Signal{
		Type:        KindIdle,
		Title:       "Signal Restarting",
		Description: "The server is shutting down; reconnect shortly.",
		Confidence:  1.0,
		Timestamp:   now.UTC(),
	}
}

// CodeGenerated wraps generated snippets keyed by language.
func CodeGenerated(snippets map[string]string, now time.Time) Signal {
	return Signal{
		Type:         KindCodeGenerated,
		Title:        "Live Code Context",
		Description:  "Generated implementation in " + languageList(snippets) + ".",
		Confidence:   1.0,
		Timestamp:    now.UTC(),
		CodeSnippets: maps.Clone(snippets),
	}
}

var languageNames = map[string]string{
	"java":   "Java",
	"python": "Python",
	"go":     "Go",
}

// languageList renders the known languages first in a stable order, then any
// extras the model returned.
func languageList(snippets map[string]string) string {
	names := make([]string, 0, len(snippets))
	for _, lang := range []string{"java", "python", "go"} {
		if _, ok := snippets[lang]; ok {
			names = append(names, languageNames[lang])
		}
	}
	for _, lang := range slices.Sorted(maps.Keys(snippets)) {
		if _, known := languageNames[lang]; !known {
			names = append(names, lang)
		}
	}
	switch len(names) {
	case 0:
		return "no languages"
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + ", and " + names[len(names)-1]
	}
}

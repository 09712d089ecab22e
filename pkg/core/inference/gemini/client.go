// Package gemini implements inference.Client on top of the Google Gen AI SDK.
// It supports both the Gemini Developer API (API key) and Vertex AI
// (project + location with application default credentials).
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vango-go/vai-signal/pkg/core/inference"
	"github.com/vango-go/vai-signal/pkg/core/signal"
	"google.golang.org/genai"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "gemini-3-pro-preview"

	// DefaultLocation is the Vertex AI location used when none is configured.
	DefaultLocation = "global"
)

// Config selects the backend and model.
type Config struct {
	APIKey   string
	Project  string
	Location string
	VertexAI bool
	Model    string

	HTTPClient *http.Client
}

// modelsAPI is the subset of *genai.Models the client uses.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client implements inference.Client.
type Client struct {
	models modelsAPI
	model  string
}

var _ inference.Client = (*Client)(nil)

// New creates a Gen AI SDK client. Missing credentials are reported here so
// callers can fail at startup.
func New(ctx context.Context, cfg Config) (*Client, error) {
	cc, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}
	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newWithModels(gc.Models, cfg.Model), nil
}

func newWithModels(models modelsAPI, model string) *Client {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	return &Client{models: models, model: model}
}

func clientConfig(cfg Config) (*genai.ClientConfig, error) {
	cc := &genai.ClientConfig{HTTPClient: cfg.HTTPClient}
	if cfg.VertexAI {
		if strings.TrimSpace(cfg.Project) == "" {
			return nil, errors.New("gemini: vertex ai requires a project")
		}
		cc.Backend = genai.BackendVertexAI
		cc.Project = strings.TrimSpace(cfg.Project)
		cc.Location = strings.TrimSpace(cfg.Location)
		if cc.Location == "" {
			cc.Location = DefaultLocation
		}
		return cc, nil
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	cc.Backend = genai.BackendGeminiAPI
	cc.APIKey = strings.TrimSpace(cfg.APIKey)
	return cc, nil
}

// Model returns the model name requests are sent to.
func (c *Client) Model() string {
	if c == nil {
		return ""
	}
	return c.model
}

// Generate sends req as a single GenerateContent call and returns the text of
// the first candidate.
func (c *Client) Generate(ctx context.Context, req inference.Request) (string, error) {
	if c == nil || c.models == nil {
		return "", errors.New("gemini: client is not initialized")
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	resp, err := c.models.GenerateContent(ctx, c.model, buildContents(req), buildConfig(req))
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	if resp == nil {
		return "", inference.ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", inference.ErrEmptyResponse
	}
	return text, nil
}

func buildContents(req inference.Request) []*genai.Content {
	parts := make([]*genai.Part, 0, 2)
	if len(req.Audio) > 0 {
		mime := strings.TrimSpace(req.AudioMIMEType)
		if mime == "" {
			mime = "audio/webm"
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: req.Audio}})
	}
	if req.Text != "" {
		parts = append(parts, &genai.Part{Text: req.Text})
	}
	return []*genai.Content{{Role: "user", Parts: parts}}
}

func buildConfig(req inference.Request) *genai.GenerateContentConfig {
	temperature := req.Temperature
	cfg := &genai.GenerateContentConfig{Temperature: &temperature}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemInstruction}}}
	}
	switch req.Output {
	case inference.OutputSignal:
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = signalSchema()
	case inference.OutputCodeSnippets:
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = snippetSchema(req.Languages)
	}
	return cfg
}

func signalSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"type": {
				Type: genai.TypeString,
				Enum: []string{
					string(signal.KindDecisionPoint),
					string(signal.KindInputRequired),
					string(signal.KindRiskDetected),
					string(signal.KindIdle),
				},
			},
			"title":             {Type: genai.TypeString},
			"description":       {Type: genai.TypeString},
			"suggestedResponse": {Type: genai.TypeString},
			"confidence":        {Type: genai.TypeNumber},
		},
		Required: []string{"type", "title", "description", "confidence"},
	}
}

func snippetSchema(languages []string) *genai.Schema {
	props := make(map[string]*genai.Schema, len(languages))
	required := make([]string, 0, len(languages))
	for _, lang := range languages {
		lang = strings.ToLower(strings.TrimSpace(lang))
		if lang == "" {
			continue
		}
		props[lang] = &genai.Schema{Type: genai.TypeString}
		required = append(required, lang)
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: props,
		Required:   required,
	}
}

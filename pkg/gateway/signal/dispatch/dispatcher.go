// Package dispatch runs inference jobs off the websocket read path and routes
// their results back to the originating session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-signal/pkg/core/inference"
	"github.com/vango-go/vai-signal/pkg/core/signal"
	"github.com/vango-go/vai-signal/pkg/gateway/metrics"
)

const (
	kindAudio = "audio"
	kindCode  = "code"
)

// Pusher delivers a signal to a session by id. Unknown or closed sessions
// report false with a nil error.
type Pusher interface {
	Push(sessionID string, sig signal.Signal) (bool, error)
}

type Config struct {
	MaxInFlight         int
	InferenceTimeout    time.Duration
	AudioMIMEType       string
	ClassifyTemperature float32
	CodeTemperature     float32
	Languages           []string
}

type Dependencies struct {
	Client  inference.Client
	Pusher  Pusher
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Config  Config
	Now     func() time.Time
}

// Dispatcher is a bounded worker pool. Submissions beyond MaxInFlight are
// rejected instead of queued so the websocket reader never blocks.
type Dispatcher struct {
	client  inference.Client
	pusher  Pusher
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	// Jobs derive their deadline from ctx, not from the session, so a
	// session closing mid-inference does not abort the call.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	group   *errgroup.Group
	stopped bool
}

func New(deps Dependencies) (*Dispatcher, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("inference client is required")
	}
	if deps.Pusher == nil {
		return nil, fmt.Errorf("pusher is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 30 * time.Second
	}
	if cfg.AudioMIMEType == "" {
		cfg.AudioMIMEType = "audio/webm"
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = DefaultLanguages
	}

	g := &errgroup.Group{}
	g.SetLimit(cfg.MaxInFlight)

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		client:  deps.Client,
		pusher:  deps.Pusher,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		cfg:     cfg,
		now:     deps.Now,
		ctx:     ctx,
		cancel:  cancel,
		group:   g,
	}, nil
}

// SubmitAudio schedules classification of one audio window. It returns false
// when the pool is saturated or shutting down.
func (d *Dispatcher) SubmitAudio(sessionID string, payload []byte) bool {
	return d.submit(kindAudio, sessionID, func(ctx context.Context) error {
		return d.ClassifyAudio(ctx, sessionID, payload)
	})
}

// SubmitCode schedules code generation for transcript. It returns false when
// the pool is saturated or shutting down.
func (d *Dispatcher) SubmitCode(sessionID, transcript string) bool {
	return d.submit(kindCode, sessionID, func(ctx context.Context) error {
		return d.GenerateCode(ctx, sessionID, transcript)
	})
}

func (d *Dispatcher) submit(kind, sessionID string, job func(context.Context) error) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		d.metrics.Dispatch(kind, metrics.OutcomeRejected)
		return false
	}
	ok := d.group.TryGo(func() error {
		d.run(kind, sessionID, job)
		return nil
	})
	if !ok {
		d.metrics.Dispatch(kind, metrics.OutcomeRejected)
		d.logger.Warn("dispatch pool saturated, dropping job", "kind", kind, "session_id", sessionID)
	}
	return ok
}

func (d *Dispatcher) run(kind, sessionID string, job func(context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.metrics.Dispatch(kind, metrics.OutcomePanic)
			d.logger.Error("dispatch job panic", "kind", kind, "session_id", sessionID, "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.InferenceTimeout)
	defer cancel()

	if err := job(ctx); err != nil {
		d.logger.Warn("dispatch job failed", "kind", kind, "session_id", sessionID, "error", err)
	}
}

// ClassifyAudio sends one audio window for classification and pushes the
// resulting signal unless it is IDLE. Delivery to a session that has since
// closed is silently dropped.
func (d *Dispatcher) ClassifyAudio(ctx context.Context, sessionID string, payload []byte) error {
	raw, err := d.generate(ctx, kindAudio, inference.Request{
		SystemInstruction: classifyInstruction,
		Audio:             payload,
		AudioMIMEType:     d.cfg.AudioMIMEType,
		Temperature:       d.cfg.ClassifyTemperature,
		Output:            inference.OutputSignal,
	})
	if err != nil {
		return err
	}

	sig, err := signal.Decode(raw)
	if err != nil {
		d.metrics.Dispatch(kindAudio, metrics.OutcomeMalformed)
		return err
	}
	if sig.Type == signal.KindIdle {
		d.metrics.Dispatch(kindAudio, metrics.OutcomeIdle)
		d.logger.Debug("idle window", "session_id", sessionID, "bytes", len(payload))
		return nil
	}
	return d.deliver(kindAudio, sessionID, sig.WithTimestamp(d.now()))
}

// GenerateCode notifies the session that drafting started, asks the model
// for an implementation in each configured language, and pushes one
// CODE_GENERATED signal on success.
func (d *Dispatcher) GenerateCode(ctx context.Context, sessionID, transcript string) error {
	if _, err := d.pusher.Push(sessionID, signal.Drafting(d.now())); err != nil {
		d.logger.Debug("drafting notice not delivered", "session_id", sessionID, "error", err)
	}

	raw, err := d.generate(ctx, kindCode, inference.Request{
		Text:        codePrompt(transcript, d.cfg.Languages),
		Temperature: d.cfg.CodeTemperature,
		Output:      inference.OutputCodeSnippets,
		Languages:   d.cfg.Languages,
	})
	if err != nil {
		return err
	}

	snippets, err := signal.DecodeSnippets(raw)
	if err != nil {
		d.metrics.Dispatch(kindCode, metrics.OutcomeMalformed)
		return err
	}
	return d.deliver(kindCode, sessionID, signal.CodeGenerated(snippets, d.now()))
}

func (d *Dispatcher) generate(ctx context.Context, kind string, req inference.Request) (string, error) {
	start := time.Now()
	raw, err := d.client.Generate(ctx, req)
	d.metrics.Inference(kind, time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.metrics.Dispatch(kind, metrics.OutcomeTimeout)
			return "", fmt.Errorf("inference timed out after %s: %w", d.cfg.InferenceTimeout, err)
		}
		d.metrics.Dispatch(kind, metrics.OutcomeError)
		return "", fmt.Errorf("inference: %w", err)
	}
	return raw, nil
}

func (d *Dispatcher) deliver(kind, sessionID string, sig signal.Signal) error {
	delivered, err := d.pusher.Push(sessionID, sig)
	switch {
	case err != nil:
		d.metrics.Dispatch(kind, metrics.OutcomeUndelivered)
		return fmt.Errorf("push %s: %w", sig.Type, err)
	case !delivered:
		d.metrics.Dispatch(kind, metrics.OutcomeUndelivered)
		d.logger.Debug("session gone, dropping signal", "session_id", sessionID, "type", sig.Type)
		return nil
	default:
		d.metrics.Dispatch(kind, metrics.OutcomeDelivered)
		d.logger.Info("signal delivered", "session_id", sessionID, "type", sig.Type, "title", sig.Title)
		return nil
	}
}

// Wait stops accepting new jobs and blocks until in-flight jobs finish or
// ctx is done. It reports whether all jobs finished.
func (d *Dispatcher) Wait(ctx context.Context) bool {
	if d == nil {
		return true
	}
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.group.Wait()
	}()

	if ctx == nil {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Cancel aborts in-flight inference calls.
func (d *Dispatcher) Cancel() {
	if d == nil {
		return
	}
	d.cancel()
}

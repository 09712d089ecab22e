// Package session runs one signal websocket connection: it buffers inbound
// audio, hands full windows to a callback, and writes outbound signals.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-signal/pkg/core/signal"
	"github.com/vango-go/vai-signal/pkg/gateway/metrics"
)

// ErrBackpressure is returned by Send when the outbound queue is full.
var ErrBackpressure = errors.New("signal outbound backpressure")

// State is the lifecycle of a session. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	AudioThresholdBytes    int
	MaxFrameBytes          int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	OutboundQueueSize      int
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	SessionID string
	RequestID string
	Config    Config
	// OnAudioWindow receives each drained audio window. It must not block;
	// the dispatcher hands the payload to its worker pool.
	OnAudioWindow func(sessionID string, payload []byte)
	Now           func() time.Time
}

type Session struct {
	conn          *websocket.Conn
	logger        *slog.Logger
	metrics       *metrics.Metrics
	id            string
	cfg           Config
	onAudioWindow func(sessionID string, payload []byte)
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	acc      *Accumulator
	outbound chan []byte

	closeOnce sync.Once
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// NewID returns a time-ordered session identifier.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Config.AudioThresholdBytes <= 0 {
		return nil, fmt.Errorf("audio threshold must be > 0")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 32
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.SessionID == "" {
		deps.SessionID = NewID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:          deps.Conn,
		metrics:       deps.Metrics,
		id:            deps.SessionID,
		cfg:           deps.Config,
		onAudioWindow: deps.OnAudioWindow,
		now:           deps.Now,
		ctx:           ctx,
		cancel:        cancel,
		acc:           NewAccumulator(),
		outbound:      make(chan []byte, deps.Config.OutboundQueueSize),
	}
	s.logger = deps.Logger.With("session_id", s.id)
	if deps.RequestID != "" {
		s.logger = s.logger.With("request_id", deps.RequestID)
	}
	return s, nil
}

func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *Session) State() State {
	if s == nil {
		return StateClosed
	}
	return State(s.state.Load())
}

func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

// Buffered reports how many audio bytes are waiting for the next window.
func (s *Session) Buffered() int {
	if s == nil {
		return 0
	}
	return s.acc.Len()
}

// Run serves the connection until the peer closes it, a read or write fails,
// or Cancel is called. It returns nil on a normal close.
func (s *Session) Run() error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return fmt.Errorf("session %s already started", s.id)
	}
	defer s.close()

	if s.cfg.MaxFrameBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	limiter := newInboundAudioLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds, s.cfg.AudioThresholdBytes)

	readCh := make(chan inboundFrame, 16)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			queue:        s.outbound,
		}
		writerErrCh <- w.Run()
	}()

	flushAndClose := func() {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}

	if err := s.Send(signal.Ready(s.id, s.now())); err != nil {
		s.logger.Warn("failed to queue ready signal", "error", err)
	}
	s.logger.Info("signal session open")

	for {
		select {
		case <-s.ctx.Done():
			flushAndClose()
			return nil
		case err := <-writerErrCh:
			s.cancel()
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
			return nil
		case frame, ok := <-readCh:
			if !ok {
				flushAndClose()
				return nil
			}
			if frame.err != nil {
				flushAndClose()
				if isNormalClose(frame.err) || s.ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read: %w", frame.err)
			}
			s.handleFrame(frame, limiter)
		}
	}
}

func (s *Session) handleFrame(frame inboundFrame, limiter *inboundAudioLimiter) {
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	switch frame.messageType {
	case websocket.BinaryMessage:
		if reason := limiter.Allow(len(frame.data)); reason != "" {
			s.metrics.FrameDropped(reason)
			s.logger.Debug("audio frame dropped", "reason", reason, "bytes", len(frame.data))
			return
		}
		s.metrics.AudioReceived(len(frame.data))
		payload, ok := s.acc.AppendAndDrain(frame.data, s.cfg.AudioThresholdBytes)
		if !ok {
			return
		}
		s.metrics.WindowDrained(len(payload))
		s.logger.Debug("audio window ready", "bytes", len(payload))
		if s.onAudioWindow != nil {
			s.onAudioWindow(s.id, payload)
		}
	case websocket.TextMessage:
		// Reserved for client commands; none are defined yet.
		s.logger.Debug("text frame received", "bytes", len(frame.data))
	}
}

// Send encodes sig and queues it for the writer. It is a no-op when the
// session is not open.
func (s *Session) Send(sig signal.Signal) error {
	if !s.IsOpen() {
		return nil
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	select {
	case s.outbound <- payload:
		s.metrics.SignalSent(string(sig.Type))
		return nil
	default:
		s.metrics.FrameDropped("backpressure")
		return ErrBackpressure
	}
}

// Cancel stops the session. Frames already queued get a short flush window.
func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()
		if n := s.acc.Len(); n > 0 {
			s.logger.Debug("discarding partial audio window", "bytes", n)
		}
		s.logger.Info("signal session closed")
	})
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/curaious/forge/internal/perrors"
)

// Status is the session state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusWaitingRetry
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusWaitingRetry:
		return "waiting_retry"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// TerminalEvent records which terminal frame, if any, ended the session.
type TerminalEvent int

const (
	TerminalNone TerminalEvent = iota
	TerminalComplete
	TerminalError
)

// Terminal frame vocabulary. The analyze stream names its frames via the
// event field; the generation stream sends default-event frames with a
// "type" discriminator in the JSON payload. Both are handled.
const (
	EventComplete = "complete"
	EventError    = "error"
)

// Callbacks receives the session's output. OnFrame is invoked for every
// non-terminal frame in decode order; exactly one of OnComplete/OnError
// follows, and it is the last invocation for the session.
type Callbacks struct {
	OnFrame    func(Frame)
	OnComplete func(Frame)
	OnError    func(error)
}

// ClientOptions configure a streaming client.
type ClientOptions struct {
	BaseURL string
	Headers map[string]string

	// MaxRetries bounds idle-timeout reconnects. Hard connect failures
	// are never retried.
	MaxRetries int
	// IdleTimeout is the watchdog window; any inbound frame resets it.
	IdleTimeout time.Duration
	// RetryDelay is the fixed pause before a reconnect attempt.
	RetryDelay time.Duration

	HTTPClient *http.Client
}

// Client opens streaming sessions against a generation backend.
type Client struct {
	opts *ClientOptions
}

// NewClient constructs a streaming client, filling in defaults.
func NewClient(opts *ClientOptions) *Client {
	if opts.HTTPClient == nil {
		// No overall timeout: streams are long-lived and are bounded by
		// the idle watchdog instead.
		opts.HTTPClient = &http.Client{}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 2 * time.Second
	}

	return &Client{
		opts: opts,
	}
}

// Request describes one streaming call.
type Request struct {
	Path    string
	Body    any
	Headers map[string]string
}

// Session is one logical streaming session. It owns its state
// exclusively; callers interact with it only through Cancel and the
// read-only accessors.
type Session struct {
	id     string
	client *Client
	cb     Callbacks
	span   trace.Span

	cancel context.CancelFunc

	mu            sync.Mutex
	status        Status
	retryCount    int
	terminal      TerminalEvent
	cancelled     bool
	retryPending  bool
	watchdog      *time.Timer
	attemptCancel context.CancelFunc

	errOnce sync.Once
}

// Start opens the transport and begins dispatching frames to cb. The
// returned session is already connecting; a connect failure is reported
// through cb.OnError once, not retried.
func (c *Client) Start(ctx context.Context, req *Request, cb Callbacks) (*Session, error) {
	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = sonic.Marshal(req.Body)
		if err != nil {
			return nil, perrors.New(perrors.ErrCodeInvalidRequest, "unable to marshal stream request", err)
		}
	}

	ctx, span := otel.Tracer("forge/stream").Start(ctx, "stream.session",
		trace.WithAttributes(attribute.String("stream.path", req.Path)))

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     uuid.NewString(),
		client: c,
		cb:     cb,
		span:   span,
		cancel: cancel,
		status: StatusConnecting,
	}

	go s.run(ctx, req, payload)
	return s, nil
}

// ID returns the client-generated session id.
func (s *Session) ID() string { return s.id }

// Status returns the current session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RetryCount returns how many idle-timeout reconnects have been consumed.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// Cancel aborts the session. It is idempotent and never invokes OnError;
// cancelling a session that already reached a terminal state is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.terminal != TerminalNone || s.cancelled || s.status == StatusFailed {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.stopWatchdogLocked()
	s.mu.Unlock()

	s.cancel()
}

func (s *Session) run(ctx context.Context, req *Request, payload []byte) {
	defer s.span.End()
	defer s.cancel()

	for {
		err := s.connectAndRead(ctx, req, payload)

		s.mu.Lock()
		if s.terminal != TerminalNone || s.cancelled {
			// Late transport errors after a clean terminal frame, and
			// aborts caused by Cancel, are swallowed.
			s.mu.Unlock()
			return
		}

		if s.retryPending {
			s.retryPending = false
			if s.retryCount <= s.client.opts.MaxRetries {
				s.status = StatusWaitingRetry
				retry := s.retryCount
				s.mu.Unlock()

				slog.WarnContext(ctx, "stream stalled, reconnecting",
					slog.String("session_id", s.id),
					slog.Int("retry", retry))
				time.Sleep(s.client.opts.RetryDelay)

				s.mu.Lock()
				if s.cancelled {
					s.mu.Unlock()
					return
				}
				s.status = StatusConnecting
				s.mu.Unlock()
				continue
			}

			s.status = StatusFailed
			s.mu.Unlock()
			s.emitError(perrors.New(perrors.ErrCodeStreamTimeout,
				"stream idle timeout, retry budget exhausted", err,
				map[string]interface{}{"session_id": s.id}))
			return
		}

		s.status = StatusFailed
		s.mu.Unlock()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		s.emitError(perrors.New(perrors.ErrCodeStreamTransport,
			"stream transport failed", err,
			map[string]interface{}{"session_id": s.id}))
		return
	}
}

func (s *Session) connectAndRead(ctx context.Context, req *Request, payload []byte) error {
	attemptCtx, attemptCancel := context.WithCancel(ctx)
	defer attemptCancel()

	// Armed before the request goes out: a server that accepts the
	// connection but never answers must not stall the session.
	s.mu.Lock()
	s.attemptCancel = attemptCancel
	s.watchdog = time.AfterFunc(s.client.opts.IdleTimeout, s.onIdle)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.stopWatchdogLocked()
		s.mu.Unlock()
	}()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		s.client.opts.BaseURL+req.Path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range s.client.opts.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	res, err := s.client.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("stream endpoint returned status %d: %s", res.StatusCode, body)
	}

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusConnected
	if s.watchdog != nil {
		// Response headers count as activity.
		s.watchdog.Reset(s.client.opts.IdleTimeout)
	}
	s.mu.Unlock()

	dec := &FrameDecoder{}
	buf := make([]byte, 4096)
	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				if s.handleFrame(ctx, f) != TerminalNone {
					return nil
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, f Frame) TerminalEvent {
	s.mu.Lock()
	if s.terminal != TerminalNone || s.cancelled {
		term := s.terminal
		s.mu.Unlock()
		return term
	}
	if s.watchdog != nil {
		// Any activity proves liveness, not just heartbeats.
		s.watchdog.Reset(s.client.opts.IdleTimeout)
	}

	pre, term, last := splitTerminal(ctx, f)
	if term == TerminalNone {
		s.mu.Unlock()
		if s.cb.OnFrame != nil {
			s.cb.OnFrame(f)
		}
		return TerminalNone
	}

	s.terminal = term
	s.stopWatchdogLocked()
	if term == TerminalComplete {
		s.status = StatusCompleted
	} else {
		s.status = StatusFailed
	}
	attemptCancel := s.attemptCancel
	s.mu.Unlock()

	// Actively close the transport so a late network error is never
	// misreported as a failure.
	if attemptCancel != nil {
		attemptCancel()
	}

	for _, p := range pre {
		if s.cb.OnFrame != nil {
			s.cb.OnFrame(p)
		}
	}

	if term == TerminalComplete {
		slog.InfoContext(ctx, "stream session completed", slog.String("session_id", s.id))
		if s.cb.OnComplete != nil {
			s.cb.OnComplete(last)
		}
	} else {
		s.emitError(perrors.New(perrors.ErrCodeStreamRemote,
			"remote reported generation failure", fmt.Errorf("%s", last.Data),
			map[string]interface{}{"session_id": s.id}))
	}
	return term
}

func (s *Session) onIdle() {
	s.mu.Lock()
	if s.terminal != TerminalNone || s.cancelled {
		s.mu.Unlock()
		return
	}
	s.retryCount++
	s.retryPending = true
	attemptCancel := s.attemptCancel
	s.mu.Unlock()

	if attemptCancel != nil {
		attemptCancel()
	}
}

func (s *Session) emitError(err error) {
	s.errOnce.Do(func() {
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
	})
}

func (s *Session) stopWatchdogLocked() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

// splitTerminal decides whether a frame ends the session. Named
// complete/error events end it directly; default-event frames are sniffed
// for the payload "type" discriminator used by the generation stream.
//
// When the payload does not parse whole, the recovered segments are
// scanned too, so a terminal that arrived concatenated with earlier
// segments still latches. The segments preceding it come back as frames
// to replay before the terminal callback; everything after it is dropped.
func splitTerminal(ctx context.Context, f Frame) (pre []Frame, term TerminalEvent, last Frame) {
	switch f.Event {
	case EventComplete:
		return nil, TerminalComplete, f
	case EventError:
		return nil, TerminalError, f
	case DefaultEvent:
		var probe any
		if sonic.UnmarshalString(f.Data, &probe) == nil {
			return nil, payloadTerminal(f.Data), f
		}
		for _, seg := range PayloadSegments(ctx, f) {
			segFrame := Frame{Event: DefaultEvent, Data: seg}
			if t := payloadTerminal(seg); t != TerminalNone {
				return pre, t, segFrame
			}
			pre = append(pre, segFrame)
		}
	}
	return nil, TerminalNone, f
}

func payloadTerminal(data string) TerminalEvent {
	var probe struct {
		Type string `json:"type"`
	}
	if err := sonic.UnmarshalString(data, &probe); err != nil {
		return TerminalNone
	}
	switch probe.Type {
	case EventComplete:
		return TerminalComplete
	case EventError:
		return TerminalError
	}
	return TerminalNone
}

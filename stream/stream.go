package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/adamwoolhether/dlstream/internal/validate"
	"github.com/adamwoolhether/dlstream/stream/throttle"
)

// Streamer fetches URLs and relays their bodies to a [Sink]. It runs at
// most one transfer at a time; see [Streamer.Start].
type Streamer struct {
	c         *http.Client
	sink      Sink
	logger    *slog.Logger
	tracer    trace.Tracer
	headers   http.Header
	chunkSize int
	progress  time.Duration

	mu     sync.Mutex
	active *Transfer
}

// New builds a Streamer delivering events to sink. Unless overridden by
// options, fetches use a fresh [http.Client] over [http.DefaultTransport]
// with no timeout.
func New(sink Sink, optFns ...Option) (*Streamer, error) {
	if sink == nil {
		return nil, errors.New("sink must not be nil")
	}

	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying streamer option: %w", err)
		}
	}

	s := &Streamer{
		c:         &http.Client{},
		sink:      sink,
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("no-op tracer"),
		headers:   opts.headers,
		chunkSize: DefaultChunkSize,
		progress:  opts.progress,
	}

	if opts.client != nil {
		c := *opts.client
		s.c = &c
	}
	if opts.logger != nil {
		s.logger = opts.logger
	}
	if opts.tracer != nil {
		s.tracer = opts.tracer
	}
	if opts.chunkSize > 0 {
		s.chunkSize = opts.chunkSize
	}
	if opts.timeout != nil {
		s.c.Timeout = *opts.timeout
	}
	if opts.noFollowRedirects {
		s.c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	var transport http.RoundTripper
	switch {
	case opts.rt != nil:
		transport = opts.rt
	case opts.client != nil && opts.client.Transport != nil:
		transport = opts.client.Transport
	default:
		transport = http.DefaultTransport
	}

	if opts.userAgent != "" {
		transport = userAgent{value: opts.userAgent, base: transport}
	}

	if opts.throttle != nil {
		rt, err := throttle.NewRoundTripper(opts.throttle.RPS, opts.throttle.Burst, func() *slog.Logger { return s.logger }, transport)
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		transport = rt
	}

	s.c.Transport = transport

	return s, nil
}

// Start begins a transfer of req.URL and returns without waiting for the
// network. Events are delivered to the sink asynchronously.
//
// A malformed request is reported synchronously: the invalid-argument error
// event is sent before Start returns, no fetch is made and the returned
// Transfer is already done.
//
// Starting while another transfer is active cancels that transfer first.
// ctx bounds the lifetime of the new transfer; cancelling it behaves like
// [Transfer.Cancel].
func (s *Streamer) Start(ctx context.Context, req Request) *Transfer {
	id := uuid.NewString()

	verifier, invalid := s.check(req)
	if invalid != nil {
		t := newTransfer(ctx, id, req, s.sink, s.logger, func() {})
		s.supersede(t)
		t.fail(*invalid)
		t.finish()
		return t
	}

	tctx, cancel := context.WithCancel(ctx)
	t := newTransfer(ctx, id, req, s.sink, s.logger, cancel)
	s.supersede(t)
	t.transition(StateConnecting)

	go s.run(tctx, t, verifier)

	return t
}

// check is the local validation done before any network activity.
func (s *Streamer) check(req Request) (*checksumVerifier, *Event) {
	if err := validate.Check(&req); err != nil {
		ev := errorEvent(CodeInvalidArgument, "Invalid download URL", fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return nil, &ev
	}

	verifier, err := newChecksumVerifier(req.Checksum)
	if err != nil {
		ev := errorEvent(CodeInvalidArgument, err.Error(), err)
		return nil, &ev
	}

	return verifier, nil
}

// supersede makes t the active transfer, cancelling the previous one.
func (s *Streamer) supersede(t *Transfer) {
	s.mu.Lock()
	prev := s.active
	s.active = t
	s.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
}

// Cancel stops the active transfer, if any, and suppresses its remaining
// events. It is idempotent.
func (s *Streamer) Cancel() {
	s.mu.Lock()
	t := s.active
	s.active = nil
	s.mu.Unlock()

	if t != nil {
		t.Cancel()
	}
}

// Active returns the transfer started last, or nil after Cancel.
func (s *Streamer) Active() *Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// run is the transfer's task. It owns the response body and releases it on
// every path before the transfer is marked done.
func (s *Streamer) run(ctx context.Context, t *Transfer, verifier *checksumVerifier) {
	defer t.finish()
	defer t.cancel()

	stop := context.AfterFunc(t.parent, t.Cancel)
	defer stop()

	ctx, span := s.tracer.Start(ctx, "stream.transfer", trace.WithAttributes(
		attribute.String("transfer.id", t.id),
		attribute.String("url.full", t.req.URL),
		attribute.Int64("transfer.max_size", t.req.MaxSize),
	))
	defer func() {
		t.endSpan(span)
		span.End()
	}()

	if t.cancelled.Load() {
		return
	}

	t.logger.Info("transfer started", "url", t.req.URL, "max_size", t.req.MaxSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.req.URL, nil)
	if err != nil {
		t.fail(errorEvent(CodeUnknown, err.Error(), fmt.Errorf("%w: %w", ErrTransport, err)))
		return
	}
	for k, v := range s.headers {
		req.Header[k] = v
	}

	resp, err := s.c.Do(req)
	if err != nil {
		t.fail(errorEvent(CodeUnknown, err.Error(), fmt.Errorf("%w: %w", ErrTransport, err)))
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.Error("failed to close response body", "error", err)
		}
	}()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("Failed to download file: HTTP %d", resp.StatusCode)
		t.fail(errorEvent(CodeUnknown, msg, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)))
		return
	}

	if !t.transition(StateStreaming) {
		return
	}

	var prog *progress
	if s.progress > 0 {
		prog = newProgress(t.logger, s.progress, resp.ContentLength)
	}

	t.stream(resp.Body, make([]byte, s.chunkSize), verifier, prog)
}

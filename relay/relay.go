package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/adamwoolhether/dlstream/stream"
	"github.com/adamwoolhether/dlstream/stream/throttle"
	"github.com/adamwoolhether/dlstream/web/errs"
	"github.com/adamwoolhether/dlstream/web/middleware"
	"github.com/adamwoolhether/dlstream/web/mux"
)

const defaultEventBuffer = 16

// Relay serves stream sessions over WebSocket.
type Relay struct {
	queue          *Queue
	upgrader       websocket.Upgrader
	logger         *slog.Logger
	tracer         trace.Tracer
	maxSize        int64
	allowedOrigins []string
	eventBuffer    int
	streamOpts     []stream.Option
}

// New builds a Relay. Streamer options are checked up front so a bad
// configuration fails here rather than on the first connection.
func New(optFns ...Option) (*Relay, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying relay option: %w", err)
		}
	}

	rl := &Relay{
		queue:          NewQueue(opts.maxSessions),
		logger:         slog.Default(),
		tracer:         noop.NewTracerProvider().Tracer("no-op tracer"),
		maxSize:        opts.maxSize,
		allowedOrigins: opts.allowedOrigins,
		eventBuffer:    defaultEventBuffer,
		streamOpts:     opts.streamOpts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  stream.DefaultChunkSize * 2,
		},
	}

	if opts.logger != nil {
		rl.logger = opts.logger
	}
	if opts.tracer != nil {
		rl.tracer = opts.tracer
		rl.streamOpts = append(rl.streamOpts, stream.WithTracer(opts.tracer))
	}
	if opts.throttle != nil {
		rt, err := throttle.NewRoundTripper(opts.throttle.RPS, opts.throttle.Burst, func() *slog.Logger { return rl.logger }, nil)
		if err != nil {
			return nil, fmt.Errorf("building throttle: %w", err)
		}
		rl.streamOpts = append(rl.streamOpts, stream.WithTransport(rt))
	}
	if opts.eventBuffer > 0 {
		rl.eventBuffer = opts.eventBuffer
	}
	if len(opts.allowedOrigins) > 0 {
		allowed := middleware.CheckOriginFunc(opts.allowedOrigins)
		rl.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed(origin)
		}
	}

	if _, err := stream.New(stream.SinkFunc(func(stream.Event) {}), rl.streamOpts...); err != nil {
		return nil, err
	}

	return rl, nil
}

// Handler returns the relay's routes wrapped in the standard middleware.
func (rl *Relay) Handler() http.Handler {
	mw := []mux.Middleware{
		middleware.Logger(rl.logger),
		middleware.Errors(rl.logger),
		middleware.Panics(),
	}
	if len(rl.allowedOrigins) > 0 {
		mw = append(mw, middleware.CORS(rl.allowedOrigins))
	}

	app := mux.New(
		mux.WithLogger(rl.logger),
		mux.WithTracer(rl.tracer),
		mux.WithMiddleware(mw...),
	)

	v1 := app.Mount("v1")
	v1.Get("/healthz", rl.healthz)
	v1.Get("/stream", rl.stream)

	return app
}

// Active reports the number of open stream sessions.
func (rl *Relay) Active() int {
	return rl.queue.Active()
}

// Shutdown refuses new sessions and closes the open ones, waiting for
// their transfers to release the network until ctx ends.
func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.logger.Info("relay shutting down", "active", rl.queue.Active())

	if err := rl.queue.Shutdown(ctx); err != nil {
		return fmt.Errorf("draining sessions: %w", err)
	}
	return nil
}

func (rl *Relay) healthz(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	status := struct {
		Status string `json:"status"`
		Active int    `json:"active"`
	}{
		Status: "ok",
		Active: rl.queue.Active(),
	}

	return mux.RespondJSON(ctx, w, http.StatusOK, status)
}

type streamQuery struct {
	URL     string `json:"url" validate:"required"`
	MaxSize int64  `json:"max_size"`
}

func (rl *Relay) stream(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	maxSize, err := mux.QueryInt64(r, "max_size", 0)
	if err != nil {
		return errs.New(http.StatusBadRequest, err)
	}

	q := streamQuery{
		URL:     r.URL.Query().Get("url"),
		MaxSize: maxSize,
	}
	if err := mux.Validate(q); err != nil {
		return err
	}

	req := stream.Request{URL: q.URL, MaxSize: rl.budget(q.MaxSize)}
	id := uuid.NewString()
	log := rl.logger.With("session_id", id, "trace_id", mux.GetTraceID(ctx))

	res, err := rl.queue.Start(ctx, func(ctx context.Context) error {
		conn, err := rl.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return fmt.Errorf("upgrade: %w", err)
		}
		mux.SetStatusCode(ctx, http.StatusSwitchingProtocols)
		mux.SetSessionID(ctx, id)

		ctx, span := mux.AddSpan(ctx, "relay.session",
			attribute.String("session.id", id),
			attribute.Int64("stream.max_size", req.MaxSize),
		)
		defer span.End()

		s := newSession(id, conn, log, rl.eventBuffer)
		opts := slices.Concat(rl.streamOpts, []stream.Option{stream.WithLogger(log)})

		return s.run(ctx, req, opts)
	})
	switch {
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrShutdown):
		return errs.New(http.StatusServiceUnavailable, err)
	case err != nil:
		return errs.NewInternal(err)
	}

	if err := res.Err(); err != nil {
		log.Warn("session failed", "error", err)
	}

	// The connection was hijacked, nothing left to write.
	return nil
}

// budget applies the relay-wide cap to a requested size budget.
func (rl *Relay) budget(requested int64) int64 {
	if rl.maxSize <= 0 {
		return requested
	}
	if requested <= 0 || requested > rl.maxSize {
		return rl.maxSize
	}
	return requested
}

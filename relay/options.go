package relay

import (
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/dlstream/stream"
	"github.com/adamwoolhether/dlstream/stream/throttle"
)

// Option configures a [Relay].
type Option func(*options) error

type options struct {
	logger         *slog.Logger
	tracer         trace.Tracer
	maxSessions    int
	maxSize        int64
	allowedOrigins []string
	eventBuffer    int
	throttle       *throttle.Config
	streamOpts     []stream.Option
}

// WithLogger sets the logger for requests and sessions.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) error {
		if log == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = log
		return nil
	}
}

// WithTracer traces requests and the transfers they start.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}
		o.tracer = tracer
		return nil
	}
}

// WithMaxSessions bounds concurrent stream connections. Zero means no limit.
func WithMaxSessions(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return errors.New("max sessions must not be negative")
		}
		o.maxSessions = n
		return nil
	}
}

// WithMaxSize caps the budget of every transfer. A client asking for no
// limit, or for more than n, gets n. Zero leaves budgets to the client.
func WithMaxSize(n int64) Option {
	return func(o *options) error {
		if n < 0 {
			return errors.New("max size must not be negative")
		}
		o.maxSize = n
		return nil
	}
}

// WithAllowedOrigins restricts which browser origins may connect. Entries
// follow [middleware.CheckOriginFunc]. Without it only same-host origins
// are accepted.
//
// [middleware.CheckOriginFunc]: https://pkg.go.dev/github.com/adamwoolhether/dlstream/web/middleware#CheckOriginFunc
func WithAllowedOrigins(origins ...string) Option {
	return func(o *options) error {
		o.allowedOrigins = append(o.allowedOrigins, origins...)
		return nil
	}
}

// WithEventBuffer sets how many events may wait for the socket before the
// transfer is held back. Default is 16.
func WithEventBuffer(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return errors.New("event buffer must not be negative")
		}
		o.eventBuffer = n
		return nil
	}
}

// WithThrottle limits upstream requests to rps per second with the given
// burst, counted across every session of the relay. It replaces any
// transport given through [stream.WithTransport].
func WithThrottle(rps, burst int) Option {
	return func(o *options) error {
		cfg := throttle.Config{RPS: rps, Burst: burst}
		if err := cfg.Validate(); err != nil {
			return err
		}
		o.throttle = &cfg
		return nil
	}
}

// WithStreamOptions are applied to the streamer of every session. Each
// session builds its own streamer, so stateful options such as
// [stream.WithThrottle] hold per connection. Use [WithThrottle] for a
// relay-wide limit.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(o *options) error {
		o.streamOpts = append(o.streamOpts, opts...)
		return nil
	}
}

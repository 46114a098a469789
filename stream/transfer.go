package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transfer is the handle of one Start call. All methods are safe for
// concurrent use.
type Transfer struct {
	id        string
	req       Request
	sink      Sink
	logger    *slog.Logger
	parent    context.Context
	cancel    context.CancelFunc
	started   time.Time
	cancelled atomic.Bool
	state     atomic.Int32
	bytes     atomic.Int64
	done      chan struct{}

	// err is written once before done is closed.
	err *Error
}

func newTransfer(parent context.Context, id string, req Request, sink Sink, logger *slog.Logger, cancel context.CancelFunc) *Transfer {
	return &Transfer{
		id:      id,
		req:     req,
		sink:    sink,
		logger:  logger.With("transfer_id", id),
		parent:  parent,
		cancel:  cancel,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// ID uniquely identifies the transfer in logs and spans.
func (t *Transfer) ID() string { return t.id }

// Request returns the inputs the transfer was started with.
func (t *Transfer) Request() Request { return t.req }

// State returns the current lifecycle state.
func (t *Transfer) State() State { return State(t.state.Load()) }

// Bytes returns the running byte count, including a chunk withheld for
// exceeding the size budget.
func (t *Transfer) Bytes() int64 { return t.bytes.Load() }

// Done returns a channel closed once the network handle is released.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Wait blocks until the transfer is done or ctx ends.
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err blocks until the transfer is done and returns the error event it
// emitted, if any. Completed and cancelled transfers return nil.
func (t *Transfer) Err() error {
	<-t.done
	if t.err == nil {
		return nil
	}
	return t.err
}

// Cancel stops the transfer. No event is handed to the sink once the flag
// is set. Calling it again, or on a finished transfer, has no effect.
func (t *Transfer) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}

	if t.transition(StateCancelled) {
		t.logger.Info("transfer cancelled", "bytes", t.bytes.Load())
	}
	t.cancel()
}

// transition moves to state unless the transfer already ended.
func (t *Transfer) transition(to State) bool {
	for {
		cur := State(t.state.Load())
		if cur.Terminal() {
			return false
		}
		if t.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// emit hands ev to the sink unless the transfer was cancelled.
func (t *Transfer) emit(ev Event) bool {
	if t.cancelled.Load() {
		return false
	}

	t.sink.Send(ev)
	return true
}

// fail emits the terminal error event. Failures caused by the caller's
// context ending are treated as a cancellation and stay silent.
func (t *Transfer) fail(ev Event) {
	if t.parent.Err() != nil {
		t.Cancel()
		return
	}
	if t.cancelled.Load() || !t.transition(StateFailed) {
		return
	}

	t.err = ev.Err
	t.logger.Warn("transfer failed", "code", ev.Err.Code, "message", ev.Err.Message, "bytes", t.bytes.Load())
	t.emit(ev)
}

func (t *Transfer) complete() {
	if t.cancelled.Load() || !t.transition(StateCompleted) {
		return
	}

	t.logger.Info("transfer completed", "bytes", t.bytes.Load(), "elapsed", time.Since(t.started).Round(time.Millisecond))
	t.emit(Event{Complete: true})
}

// finish marks the transfer done. Called last on every path.
func (t *Transfer) finish() {
	close(t.done)
}

// stream reads body in chunks of len(buf) and emits each one, enforcing the
// size budget after accounting for the chunk just read.
func (t *Transfer) stream(body io.Reader, buf []byte, verifier *checksumVerifier, prog *progress) {
	for {
		if t.cancelled.Load() {
			return
		}

		n, err := readChunk(body, buf)
		if err != nil && !errors.Is(err, io.EOF) {
			if t.cancelled.Load() {
				return
			}
			t.fail(errorEvent(CodeUnknown, err.Error(), fmt.Errorf("%w: %w", ErrTransport, err)))
			return
		}

		if n > 0 {
			if t.cancelled.Load() {
				return
			}

			total := t.bytes.Add(int64(n))
			if t.req.MaxSize > 0 && total > t.req.MaxSize {
				msg := fmt.Sprintf("Downloaded data exceeds maximum allowed size of %d bytes", t.req.MaxSize)
				t.fail(errorEvent(CodeDownloadSizeExceeded, msg, fmt.Errorf("%w: limit %d", ErrSizeExceeded, t.req.MaxSize)))
				return
			}

			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			verifier.write(chunk)
			prog.update(total)

			if !t.emit(Event{Data: chunk}) {
				return
			}
		}

		if err != nil { // io.EOF
			break
		}
	}

	if err := verifier.verify(); err != nil {
		t.fail(errorEvent(CodeUnknown, err.Error(), err))
		return
	}

	t.complete()
}

// endSpan records the outcome of the transfer on span.
func (t *Transfer) endSpan(span trace.Span) {
	span.SetAttributes(
		attribute.Int64("transfer.bytes", t.bytes.Load()),
		attribute.String("transfer.state", t.State().String()),
	)
	if t.err != nil {
		span.RecordError(t.err)
		span.SetStatus(codes.Error, string(t.err.Code))
	}
}

// readChunk fills buf from r. It returns a short count only together with
// an error, io.EOF marking the end of the body.
func readChunk(r io.Reader, buf []byte) (int, error) {
	var n int
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

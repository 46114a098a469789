package stream_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/adamwoolhether/dlstream/stream"
)

// recorder is a Sink keeping every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []stream.Event
	onSend func(n int, ev stream.Event)
}

func (r *recorder) Send(ev stream.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	n := len(r.events)
	fn := r.onSend
	r.mu.Unlock()

	if fn != nil {
		fn(n, ev)
	}
}

func (r *recorder) Events() []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Event(nil), r.events...)
}

func kinds(events []stream.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Kind().String()
	}
	return out
}

func chunkSizes(events []stream.Event) []int {
	var out []int
	for _, ev := range events {
		if ev.Kind() == stream.KindData {
			out = append(out, len(ev.Data))
		}
	}
	return out
}

func payload(events []stream.Event) []byte {
	var buf bytes.Buffer
	for _, ev := range events {
		if ev.Kind() == stream.KindData {
			buf.Write(ev.Data)
		}
	}
	return buf.Bytes()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStreamer(t *testing.T, sink stream.Sink, opts ...stream.Option) *stream.Streamer {
	t.Helper()

	s, err := stream.New(sink, append([]stream.Option{stream.WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create streamer: %v", err)
	}
	return s
}

func wait(t *testing.T, tr *stream.Transfer) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("transfer did not finish: %v", err)
	}
}

func serveBody(body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
}

func TestStreamer_Success(t *testing.T) {
	body := make([]byte, 20000)
	ts := serveBody(body)
	defer ts.Close()

	rec := &recorder{}
	s := newStreamer(t, rec)

	tr := s.Start(t.Context(), stream.Request{URL: ts.URL + "/ok", MaxSize: 0})
	wait(t, tr)

	events := rec.Events()
	if diff := cmp.Diff([]string{"data", "data", "data", "complete"}, kinds(events)); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{8192, 8192, 3616}, chunkSizes(events)); diff != "" {
		t.Fatalf("chunk sizes mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(payload(events), body) {
		t.Fatal("concatenated data does not equal the body")
	}
	if tr.State() != stream.StateCompleted {
		t.Fatalf("state = %s, want %s", tr.State(), stream.StateCompleted)
	}
	if tr.Bytes() != int64(len(body)) {
		t.Fatalf("bytes = %d, want %d", tr.Bytes(), len(body))
	}
	if err := tr.Err(); err != nil {
		t.Fatalf("expected nil Err, got: %v", err)
	}
}

func TestStreamer_BodyPreserved(t *testing.T) {
	body := []byte(strings.Repeat("0123456789abcdef", 2000))
	ts := serveBody(body)
	defer ts.Close()

	rec := &recorder{}
	s := newStreamer(t, rec)

	wait(t, s.Start(t.Context(), stream.Request{URL: ts.URL}))

	if !bytes.Equal(payload(rec.Events()), body) {
		t.Fatal("concatenated data does not equal the body")
	}
}

func TestStreamer_EmptyBody(t *testing.T) {
	ts := serveBody(nil)
	defer ts.Close()

	rec := &recorder{}
	s := newStreamer(t, rec)

	wait(t, s.Start(t.Context(), stream.Request{URL: ts.URL}))

	if diff := cmp.Diff([]string{"complete"}, kinds(rec.Events())); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamer_UnexpectedStatus(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusNoContent} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
				if code != http.StatusNoContent {
					w.Write([]byte("nope"))
				}
			}))
			defer ts.Close()

			rec := &recorder{}
			s := newStreamer(t, rec)

			tr := s.Start(t.Context(), stream.Request{URL: ts.URL})
			wait(t, tr)

			events := rec.Events()
			if diff := cmp.Diff([]string{"error"}, kinds(events)); diff != "" {
				t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
			}

			got := events[0].Err
			if got.Code != stream.CodeUnknown {
				t.Errorf("code = %q, want %q", got.Code, stream.CodeUnknown)
			}
			if want := "Failed to download file: HTTP " + strconv.Itoa(code); got.Message != want {
				t.Errorf("message = %q, want %q", got.Message, want)
			}
			if !errors.Is(tr.Err(), stream.ErrUnexpectedStatus) {
				t.Errorf("expected ErrUnexpectedStatus, got: %v", tr.Err())
			}
			if tr.State() != stream.StateFailed {
				t.Errorf("state = %s, want %s", tr.State(), stream.StateFailed)
			}
		})
	}
}

func TestStreamer_SizeBudget(t *testing.T) {
	testCases := []struct {
		name      string
		bodySize  int
		maxSize   int64
		wantKinds []string
		wantSizes []int
	}{
		{
			name:      "crossing chunk withheld",
			bodySize:  20000,
			maxSize:   10000,
			wantKinds: []string{"data", "error"},
			wantSizes: []int{8192},
		},
		{
			name:      "first chunk crosses",
			bodySize:  20000,
			maxSize:   100,
			wantKinds: []string{"error"},
		},
		{
			name:      "exactly at the limit",
			bodySize:  20000,
			maxSize:   20000,
			wantKinds: []string{"data", "data", "data", "complete"},
			wantSizes: []int{8192, 8192, 3616},
		},
		{
			name:      "negative disables the cap",
			bodySize:  20000,
			maxSize:   -1,
			wantKinds: []string{"data", "data", "data", "complete"},
			wantSizes: []int{8192, 8192, 3616},
		},
		{
			name:      "one byte over",
			bodySize:  8193,
			maxSize:   8192,
			wantKinds: []string{"data", "error"},
			wantSizes: []int{8192},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body := bytes.Repeat([]byte{0x5a}, tc.bodySize)
			ts := serveBody(body)
			defer ts.Close()

			rec := &recorder{}
			s := newStreamer(t, rec)

			tr := s.Start(t.Context(), stream.Request{URL: ts.URL + "/ok", MaxSize: tc.maxSize})
			wait(t, tr)

			events := rec.Events()
			if diff := cmp.Diff(tc.wantKinds, kinds(events)); diff != "" {
				t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.wantSizes, chunkSizes(events)); diff != "" {
				t.Fatalf("chunk sizes mismatch (-want +got):\n%s", diff)
			}

			last := events[len(events)-1]
			if last.Kind() != stream.KindError {
				return
			}

			if last.Err.Code != stream.CodeDownloadSizeExceeded {
				t.Fatalf("code = %q, want %q", last.Err.Code, stream.CodeDownloadSizeExceeded)
			}
			want := "Downloaded data exceeds maximum allowed size of " + strconv.FormatInt(tc.maxSize, 10) + " bytes"
			if last.Err.Message != want {
				t.Fatalf("message = %q, want %q", last.Err.Message, want)
			}
			if emitted := int64(len(payload(events))); emitted > tc.maxSize || emitted >= int64(tc.bodySize) {
				t.Fatalf("emitted %d bytes, limit %d body %d", emitted, tc.maxSize, tc.bodySize)
			}
			if !errors.Is(tr.Err(), stream.ErrSizeExceeded) {
				t.Fatalf("expected ErrSizeExceeded, got: %v", tr.Err())
			}
		})
	}
}

func TestStreamer_InvalidURL(t *testing.T) {
	for _, raw := range []string{"not a url", "", "/relative", "ftp://example.com/file"} {
		t.Run(raw, func(t *testing.T) {
			var calls atomic.Int32
			rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
				calls.Add(1)
				return nil, errors.New("unexpected fetch")
			})

			rec := &recorder{}
			s := newStreamer(t, rec, stream.WithTransport(rt))

			tr := s.Start(t.Context(), stream.Request{URL: raw})

			// Reported before Start returns.
			events := rec.Events()
			if diff := cmp.Diff([]string{"error"}, kinds(events)); diff != "" {
				t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
			}
			if events[0].Err.Code != stream.CodeInvalidArgument {
				t.Fatalf("code = %q, want %q", events[0].Err.Code, stream.CodeInvalidArgument)
			}

			select {
			case <-tr.Done():
			default:
				t.Fatal("transfer should already be done")
			}

			if calls.Load() != 0 {
				t.Fatalf("expected no network calls, got %d", calls.Load())
			}
			if !errors.Is(tr.Err(), stream.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got: %v", tr.Err())
			}
		})
	}
}

func TestStreamer_TransportError(t *testing.T) {
	ts := serveBody([]byte("unused"))
	addr := ts.URL
	ts.Close()

	rec := &recorder{}
	s := newStreamer(t, rec)

	tr := s.Start(t.Context(), stream.Request{URL: addr})
	wait(t, tr)

	events := rec.Events()
	if diff := cmp.Diff([]string{"error"}, kinds(events)); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if events[0].Err.Code != stream.CodeUnknown {
		t.Fatalf("code = %q, want %q", events[0].Err.Code, stream.CodeUnknown)
	}
	if events[0].Err.Message == "" {
		t.Fatal("expected the transport's error message")
	}
	if !errors.Is(tr.Err(), stream.ErrTransport) {
		t.Fatalf("expected ErrTransport, got: %v", tr.Err())
	}
}

func TestStreamer_TruncatedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "50000")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 10000))
	}))
	defer ts.Close()

	rec := &recorder{}
	s := newStreamer(t, rec)

	wait(t, s.Start(t.Context(), stream.Request{URL: ts.URL}))

	events := rec.Events()
	last := events[len(events)-1]
	if last.Kind() != stream.KindError || last.Err.Code != stream.CodeUnknown {
		t.Fatalf("expected a trailing unknown error, got kinds %v", kinds(events))
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Kind() != stream.KindData {
			t.Fatalf("unexpected event before the error: %v", kinds(events))
		}
	}
}

// blockingServer writes first, flushes, then holds the connection open
// until release is closed or the client goes away.
func blockingServer(first []byte, release <-chan struct{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if len(first) > 0 {
			w.Write(first)
		}
		w.(http.Flusher).Flush()

		select {
		case <-release:
			w.Write(make([]byte, 4*stream.DefaultChunkSize))
		case <-r.Context().Done():
		}
	}))
}

func TestStreamer_CancelBeforeBytes(t *testing.T) {
	release := make(chan struct{})
	ts := blockingServer(nil, release)
	defer ts.Close()
	defer close(release)

	rec := &recorder{}
	s := newStreamer(t, rec)

	tr := s.Start(t.Context(), stream.Request{URL: ts.URL})
	s.Cancel()
	wait(t, tr)

	if events := rec.Events(); len(events) != 0 {
		t.Fatalf("expected no events, got %v", kinds(events))
	}
	if tr.State() != stream.StateCancelled {
		t.Fatalf("state = %s, want %s", tr.State(), stream.StateCancelled)
	}
	if err := tr.Err(); err != nil {
		t.Fatalf("cancellation is not an error, got: %v", err)
	}
}

func TestStreamer_CancelIdempotent(t *testing.T) {
	release := make(chan struct{})
	ts := blockingServer(make([]byte, stream.DefaultChunkSize), release)
	defer ts.Close()
	defer close(release)

	rec := &recorder{}
	got := make(chan struct{}, 1)
	rec.onSend = func(n int, ev stream.Event) {
		if n == 1 {
			got <- struct{}{}
		}
	}
	s := newStreamer(t, rec)

	tr := s.Start(t.Context(), stream.Request{URL: ts.URL})
	<-got

	s.Cancel()
	s.Cancel()
	tr.Cancel()
	wait(t, tr)

	if diff := cmp.Diff([]string{"data"}, kinds(rec.Events())); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if tr.State() != stream.StateCancelled {
		t.Fatalf("state = %s, want %s", tr.State(), stream.StateCancelled)
	}
	if s.Active() != nil {
		t.Fatal("expected no active transfer after cancel")
	}
}

func TestStreamer_CancelFromSink(t *testing.T) {
	body := make([]byte, 10*stream.DefaultChunkSize)
	ts := serveBody(body)
	defer ts.Close()

	const stopAfter = 2

	rec := &recorder{}
	var s *stream.Streamer
	rec.onSend = func(n int, ev stream.Event) {
		if n == stopAfter {
			s.Cancel()
		}
	}
	s = newStreamer(t, rec)

	tr := s.Start(t.Context(), stream.Request{URL: ts.URL})
	wait(t, tr)

	if diff := cmp.Diff([]string{"data", "data"}, kinds(rec.Events())); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if tr.State() != stream.StateCancelled {
		t.Fatalf("state = %s, want %s", tr.State(), stream.StateCancelled)
	}
}

func TestStreamer_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	ts := blockingServer(nil, release)
	defer ts.Close()
	defer close(release)

	rec := &recorder{}
	s := newStreamer(t, rec)

	ctx, cancel := context.WithCancel(t.Context())
	tr := s.Start(ctx, stream.Request{URL: ts.URL})

	time.Sleep(20 * time.Millisecond)
	cancel()
	wait(t, tr)

	if events := rec.Events(); len(events) != 0 {
		t.Fatalf("expected no events, got %v", kinds(events))
	}
	if tr.State() != stream.StateCancelled {
		t.Fatalf("state = %s, want %s", tr.State(), stream.StateCancelled)
	}
}

func TestStreamer_StartSupersedes(t *testing.T) {
	release := make(chan struct{})
	slow := blockingServer(nil, release)
	defer slow.Close()
	defer close(release)

	fast := serveBody([]byte("hello"))
	defer fast.Close()

	rec := &recorder{}
	s := newStreamer(t, rec)

	first := s.Start(t.Context(), stream.Request{URL: slow.URL})
	second := s.Start(t.Context(), stream.Request{URL: fast.URL})

	wait(t, first)
	wait(t, second)

	if first.State() != stream.StateCancelled {
		t.Fatalf("first state = %s, want %s", first.State(), stream.StateCancelled)
	}
	if s.Active() != second {
		t.Fatal("expected the second transfer to be active")
	}
	if diff := cmp.Diff([]string{"data", "complete"}, kinds(rec.Events())); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if string(payload(rec.Events())) != "hello" {
		t.Fatalf("payload = %q, want %q", payload(rec.Events()), "hello")
	}
	if first.ID() == second.ID() {
		t.Fatal("transfers must have distinct ids")
	}
}

func TestStreamer_RestartAfterCancel(t *testing.T) {
	ts := serveBody([]byte("again"))
	defer ts.Close()

	rec := &recorder{}
	s := newStreamer(t, rec)

	s.Cancel() // nothing active
	tr := s.Start(t.Context(), stream.Request{URL: ts.URL})
	s.Cancel()
	wait(t, tr)

	tr = s.Start(t.Context(), stream.Request{URL: ts.URL})
	wait(t, tr)

	if tr.State() != stream.StateCompleted {
		t.Fatalf("state = %s, want %s", tr.State(), stream.StateCompleted)
	}
	if tr.Bytes() != int64(len("again")) {
		t.Fatalf("bytes = %d, want %d", tr.Bytes(), len("again"))
	}
}

func TestStreamer_Checksum(t *testing.T) {
	body := []byte(strings.Repeat("checksum", 3000))
	sum := sha256.Sum256(body)
	good := hex.EncodeToString(sum[:])

	ts := serveBody(body)
	defer ts.Close()

	testCases := []struct {
		name     string
		checksum *stream.Checksum
		wantLast stream.Kind
		wantCode stream.Code
		wantErr  error
	}{
		{
			name:     "match",
			checksum: &stream.Checksum{New: sha256.New, Expected: strings.ToUpper(good)},
			wantLast: stream.KindComplete,
		},
		{
			name:     "mismatch",
			checksum: &stream.Checksum{New: sha256.New, Expected: strings.Repeat("0", 64)},
			wantLast: stream.KindError,
			wantCode: stream.CodeUnknown,
			wantErr:  stream.ErrChecksumMismatch,
		},
		{
			name:     "missing expected",
			checksum: &stream.Checksum{New: sha256.New},
			wantLast: stream.KindError,
			wantCode: stream.CodeInvalidArgument,
			wantErr:  stream.ErrInvalidRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			s := newStreamer(t, rec)

			tr := s.Start(t.Context(), stream.Request{URL: ts.URL, Checksum: tc.checksum})
			wait(t, tr)

			events := rec.Events()
			last := events[len(events)-1]
			if last.Kind() != tc.wantLast {
				t.Fatalf("last event = %s, want %s", last.Kind(), tc.wantLast)
			}
			if tc.wantErr == nil {
				return
			}
			if last.Err.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", last.Err.Code, tc.wantCode)
			}
			if !errors.Is(tr.Err(), tc.wantErr) {
				t.Fatalf("expected %v, got: %v", tc.wantErr, tr.Err())
			}
		})
	}
}

func TestStreamer_ChannelSink(t *testing.T) {
	body := make([]byte, 3*stream.DefaultChunkSize+1)
	ts := serveBody(body)
	defer ts.Close()

	sink := stream.NewChannelSink(1)
	s := newStreamer(t, sink)

	s.Start(t.Context(), stream.Request{URL: ts.URL})

	var got []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sink.C():
			got = append(got, ev)
			if !ev.IsTerminal() {
				continue
			}
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
		break
	}

	if diff := cmp.Diff([]string{"data", "data", "data", "data", "complete"}, kinds(got)); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamer_Progress(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ts := serveBody(make([]byte, 5*stream.DefaultChunkSize))
	defer ts.Close()

	s, err := stream.New(&recorder{}, stream.WithLogger(logger), stream.WithProgress(time.Nanosecond))
	if err != nil {
		t.Fatal(err)
	}

	wait(t, s.Start(t.Context(), stream.Request{URL: ts.URL}))

	out := buf.String()
	for _, want := range []string{"transfer started", "streaming", "transferred=", "transfer completed", "transfer_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in log output: %s", want, out)
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestCollector(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 2000)
	srv := serveBody(body)
	defer srv.Close()

	var c stream.Collector
	s, err := stream.New(&c, stream.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	tr := s.Start(t.Context(), stream.Request{URL: srv.URL})
	wait(t, tr)

	if !bytes.Equal(body, c.Bytes()) {
		t.Fatal("collected bytes differ from body")
	}

	events := c.Events()
	if got := events[len(events)-1].Kind(); got != stream.KindComplete {
		t.Fatalf("last kind = %v, want complete", got)
	}

	// Events returns a copy.
	events[0].Data = nil
	if c.Events()[0].Data == nil {
		t.Fatal("Events exposed internal slice")
	}
}

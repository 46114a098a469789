// Package dlstream exposes the streamer builder.
package dlstream

import (
	"github.com/adamwoolhether/dlstream/stream"
)

// NewStreamer instantiates a *stream.Streamer delivering events to sink.
// If not specified, a fresh http.Client over http.DefaultTransport is used.
func NewStreamer(sink stream.Sink, opts ...stream.Option) (*stream.Streamer, error) {
	return stream.New(sink, opts...)
}

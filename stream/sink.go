package stream

import (
	"bytes"
	"slices"
	"sync"
)

// Sink consumes the events of a transfer. Send is called from the
// transfer's goroutine, one event at a time and in stream order.
type Sink interface {
	Send(ev Event)
}

// SinkFunc adapts a plain function to a [Sink].
type SinkFunc func(ev Event)

func (f SinkFunc) Send(ev Event) { f(ev) }

// ChannelSink delivers events on a buffered channel. Send blocks while the
// buffer is full, so the consumer must keep draining C until it has seen a
// terminal event or cancelled the transfer.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink returns a ChannelSink buffering up to size events.
func NewChannelSink(size int) *ChannelSink {
	if size < 0 {
		size = 0
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

func (c *ChannelSink) Send(ev Event) { c.ch <- ev }

// C returns the receive side of the sink.
func (c *ChannelSink) C() <-chan Event { return c.ch }

// Collector records every event it receives.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Send(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Data != nil {
		ev.Data = bytes.Clone(ev.Data)
	}
	c.events = append(c.events, ev)
}

// Events returns a copy of the events recorded so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.events)
}

// Bytes concatenates the payload of every data event.
func (c *Collector) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	for _, ev := range c.events {
		buf.Write(ev.Data)
	}
	return buf.Bytes()
}

// Package stream relays an HTTP(S) response body to a consumer as a
// sequence of discrete events.
//
// # Starting a Transfer
//
// A [Streamer] owns at most one in-flight transfer. Events are delivered
// to the [Sink] given to [New]:
//
//	s, err := stream.New(stream.SinkFunc(func(ev stream.Event) {
//		switch ev.Kind() {
//		case stream.KindData:
//			out.Write(ev.Data)
//		case stream.KindError:
//			log.Println(ev.Err.Code, ev.Err.Message)
//		}
//	}))
//	t := s.Start(ctx, stream.Request{URL: "https://example.com/file", MaxSize: 1 << 20})
//	<-t.Done()
//
// The body is read from the live connection in chunks of [DefaultChunkSize]
// bytes. Each chunk becomes one data event. A successful transfer ends with
// exactly one complete event, a failed one with exactly one error event.
//
// # Size Budget
//
// When [Request.MaxSize] is positive the running byte count is checked after
// every chunk is read. The chunk that crosses the budget is withheld and the
// transfer ends with a [CodeDownloadSizeExceeded] error. Data already emitted
// stands.
//
// # Cancellation
//
// [Streamer.Cancel] and [Transfer.Cancel] stop the transfer and suppress every
// event that has not been handed to the sink yet, terminal events included.
// Both are idempotent and may be called from inside [Sink.Send].
package stream

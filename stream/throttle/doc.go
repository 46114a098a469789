// Package throttle provides an [http.RoundTripper] that rate-limits the
// fetches a streamer makes, using a token-bucket from [golang.org/x/time/rate].
//
// # Usage
//
//	rt, err := throttle.NewRoundTripper(
//		10, // fetches per second
//		5,  // burst capacity
//		func() *slog.Logger { return slog.Default() },
//		http.DefaultTransport,
//	)
//	httpClient := &http.Client{Transport: rt}
//
// When the bucket is empty a fetch blocks until a token becomes available
// or its request context ends, so a cancelled transfer never waits on the
// limiter.
package throttle

// Package server runs the relay's HTTP listener until its context ends,
// then drains in-flight requests.
//
// Streaming responses bound their own writes, so no write timeout is set
// by default:
//
//	srv := server.New(app,
//		server.WithHost(":8080"),
//		server.WithShutdownFunc(queue.Shutdown),
//	)
//	if err := srv.Run(ctx); err != nil {
//		return err
//	}
package server

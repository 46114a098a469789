// Package relay exposes the download streamer over a WebSocket event
// channel.
//
// A client opens
//
//	GET /v1/stream?url=<source>&max_size=<bytes>
//
// and receives one JSON text frame per stream event:
//
//	{"data":"<base64>"}
//	{"complete":true}
//	{"error":{"code":"download-size-exceeded","message":"..."}}
//
// A terminal event is followed by a normal closure. Sending
// {"cancel":true}, or dropping the connection, cancels the transfer and
// no further events are written. Each connection owns one streamer, and
// the number of concurrent connections is bounded by a [Queue].
package relay

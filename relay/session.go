package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adamwoolhether/dlstream/stream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
)

// errClientGone ends a session whose client went away.
var errClientGone = errors.New("client disconnected")

// clientMessage is the only message a client may send.
type clientMessage struct {
	Cancel bool `json:"cancel"`
}

// session pumps the events of one transfer onto one connection. Only the
// write pump writes to conn.
type session struct {
	id        string
	conn      *websocket.Conn
	log       *slog.Logger
	out       chan stream.Event
	quit      chan struct{}
	cancelled atomic.Bool
}

func newSession(id string, conn *websocket.Conn, log *slog.Logger, buffer int) *session {
	return &session{
		id:   id,
		conn: conn,
		log:  log,
		out:  make(chan stream.Event, buffer),
		quit: make(chan struct{}),
	}
}

// Send hands an event to the write pump, giving up once the pump is gone.
func (s *session) Send(ev stream.Event) {
	select {
	case s.out <- ev:
	case <-s.quit:
	}
}

// run streams req until a terminal event, a client cancel, a disconnect
// or ctx ending. It returns after the transfer has released the network.
func (s *session) run(ctx context.Context, req stream.Request, opts []stream.Option) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer s.conn.Close()

	streamer, err := stream.New(s, opts...)
	if err != nil {
		s.writeClose(websocket.CloseInternalServerErr, "streamer unavailable")
		return fmt.Errorf("building streamer: %w", err)
	}

	s.log.Info("session started", "url", req.URL, "max_size", req.MaxSize)

	go s.readPump(cancel, streamer)

	t := streamer.Start(ctx, req)
	err = s.writePump(ctx, t)
	close(s.quit)

	streamer.Cancel()
	<-t.Done()

	s.log.Info("session ended", "state", t.State(), "bytes", t.Bytes())

	return err
}

// readPump watches for cancel requests and disconnects.
func (s *session) readPump(disconnect context.CancelCauseFunc, streamer *stream.Streamer) {
	defer disconnect(errClientGone)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info("client disconnected", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("ignoring client message", "error", err)
			continue
		}

		if msg.Cancel && s.cancelled.CompareAndSwap(false, true) {
			s.log.Info("client cancelled transfer")
			streamer.Cancel()
		}
	}
}

// writePump writes events until the transfer ends or ctx is done, then
// closes the connection.
func (s *session) writePump(ctx context.Context, t *stream.Transfer) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.out:
			terminal, err := s.write(ev)
			if err != nil || terminal {
				return err
			}

		case <-t.Done():
			// Every emitted event is queued before the transfer is done.
			for {
				select {
				case ev := <-s.out:
					terminal, err := s.write(ev)
					if err != nil || terminal {
						return err
					}
				default:
					s.writeClose(websocket.CloseNormalClosure, "cancelled")
					return nil
				}
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}

		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), errClientGone) {
				return nil
			}
			s.writeClose(websocket.CloseGoingAway, "relay shutting down")
			return nil
		}
	}
}

// write sends ev as a text frame, followed by a normal closure when ev is
// terminal. Events arriving after a client cancel are dropped.
func (s *session) write(ev stream.Event) (bool, error) {
	if s.cancelled.Load() {
		return false, nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("encoding event: %w", err)
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return true, nil
		}
		return false, fmt.Errorf("writing event: %w", err)
	}

	if !ev.IsTerminal() {
		return false, nil
	}

	s.writeClose(websocket.CloseNormalClosure, "")
	return true, nil
}

func (s *session) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.log.Debug("writing close frame", "error", err)
	}
}

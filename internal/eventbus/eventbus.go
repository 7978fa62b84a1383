// Package eventbus optionally broadcasts target lifecycle events over
// Socket.IO, letting a browser dashboard observe a running build live. It is
// pure observability: nothing in the engine depends on a Bus existing, and
// the zero value (Nop) never touches the network.
package eventbus

import (
	"log/slog"
	"time"

	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"
)

// Kind identifies which lifecycle event a broadcast carries.
type Kind string

const (
	KindRunning Kind = "target.running"
	KindDone    Kind = "target.done"
	KindFailed  Kind = "target.failed"
)

// Event is one target lifecycle notification.
type Event struct {
	Kind   Kind      `json:"kind"`
	Target string    `json:"target"`
	At     time.Time `json:"at"`
}

// Bus publishes Events to connected clients. internal/forge's postorder
// lifecycle hooks are the only callers of Publish; the scheduler never sees
// a Bus, so a disabled bus costs nothing on the hot path (spec.md's Non-goals exclude a distributed executor, not
// this local observability hook — see SPEC_FULL.md §6.4).
type Bus interface {
	Publish(Event)
	Close() error
}

// Nop is the default Bus: --listen was never passed, so Publish is a no-op.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close() error  { return nil }

// Server is a Bus backed by a Socket.IO server, one namespace ("/") carrying
// every event as a plain JSON-encodable payload.
type Server struct {
	http *types.HttpServer
	io   *socket.Server
	log  *slog.Logger
}

// Listen starts a Socket.IO server bound to addr and returns a Bus that
// broadcasts every Publish call to all connected clients under the
// "forge" event name.
func Listen(addr string) (*Server, error) {
	httpServer := types.NewWebServer(nil)
	io := socket.NewServer(httpServer, nil)

	logger := slog.Default()

	io.On("connection", func(clients ...any) {
		if len(clients) == 0 {
			return
		}
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		logger.Debug("eventbus client connected", "sid", client.Id())
	})

	httpServer.Listen(addr, nil)
	return &Server{http: httpServer, io: io, log: logger}, nil
}

// Publish broadcasts ev to every connected client on the default namespace.
func (s *Server) Publish(ev Event) {
	s.io.Emit("forge", ev)
}

// Close shuts down the Socket.IO server and its underlying HTTP listener.
func (s *Server) Close() error {
	s.io.Close(nil)
	return s.http.Close(nil)
}

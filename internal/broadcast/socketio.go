package broadcast

import (
	"encoding/base64"
	"fmt"

	socketio "github.com/googollee/go-socket.io"
	"github.com/sirupsen/logrus"
)

const (
	// Namespace and room the fleet events are emitted into.
	Namespace = "/"
	Room      = "fleet"
)

// SocketIO broadcasts messages to connected socket.io clients. Binary
// payloads are base64-encoded inside a JSON envelope so browser clients can
// consume them uniformly.
type SocketIO struct {
	server *socketio.Server
	logger *logrus.Logger
}

// NewSocketIO wraps an existing socket.io server; the caller owns its HTTP
// hosting and lifecycle.
func NewSocketIO(server *socketio.Server, logger *logrus.Logger) *SocketIO {
	if logger == nil {
		logger = logrus.New()
	}

	server.OnConnect(Namespace, func(conn socketio.Conn) error {
		conn.Join(Room)
		logger.WithField("sid", conn.ID()).Debug("Broadcast client connected")
		return nil
	})
	server.OnDisconnect(Namespace, func(conn socketio.Conn, reason string) {
		logger.WithFields(logrus.Fields{
			"sid":    conn.ID(),
			"reason": reason,
		}).Debug("Broadcast client disconnected")
	})

	return &SocketIO{server: server, logger: logger}
}

type envelope struct {
	Kind    string   `json:"kind"`
	Key     string   `json:"key"`
	Payload string   `json:"payload"` // base64
	To      []string `json:"to,omitempty"`
}

func (s *SocketIO) Send(msg Message, f Filter) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Kind(), err)
	}

	s.server.BroadcastToRoom(Namespace, Room, string(msg.Kind()), envelope{
		Kind:    string(msg.Kind()),
		Key:     msg.Key(),
		Payload: base64.StdEncoding.EncodeToString(data),
		To:      f.Addresses,
	})
	return nil
}

func (s *SocketIO) Close() error {
	return s.server.Close()
}

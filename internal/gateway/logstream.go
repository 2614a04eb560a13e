package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/watzon/ember/internal/logproto"
)

const streamClientBuffer = 64

// LogStream broadcasts every forwarded worker log record to connected
// WebSocket clients. Records for a client that cannot keep up are dropped.
type LogStream struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn *websocket.Conn
	ch   chan []byte
}

// NewLogStream returns an empty broadcast hub.
func NewLogStream() *LogStream {
	return &LogStream{
		clients: make(map[*streamClient]struct{}),
	}
}

// Broadcast fans a record out to all connected clients without blocking.
func (s *LogStream) Broadcast(rec logproto.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.ch <- data:
		default:
			// Slow client: drop the record rather than stall the pipe.
		}
	}
}

// HandleWebSocket upgrades the connection and tails the record stream until
// the client disconnects.
func (s *LogStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Debug().Err(err).Msg("Failed to accept log stream connection")
		return
	}

	c := &streamClient{
		conn: conn,
		ch:   make(chan []byte, streamClientBuffer),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.ch:
			if err := c.write(ctx, data); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// CloseAll disconnects every client and rejects future connections.
func (s *LogStream) CloseAll() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

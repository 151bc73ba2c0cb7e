package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/goodtune/khome/internal/clock"
	"github.com/goodtune/khome/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	streamBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// Message is one notification on the event stream.
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards connect from other origins on the LAN
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamClient is a middleman between one websocket connection and the stream.
type streamClient struct {
	stream *Stream
	conn   *websocket.Conn
	send   chan []byte
}

// Stream broadcasts notifications to every connected websocket client.
type Stream struct {
	clients    map[*streamClient]struct{}
	broadcast  chan []byte
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}

	clock  clock.Clock
	logger zerolog.Logger

	// Snapshot, when set, supplies the messages a new client receives first.
	Snapshot func() []Message
}

// NewStream creates a notification stream. Call Run to start delivering.
func NewStream(logger zerolog.Logger) *Stream {
	return &Stream{
		clients:    make(map[*streamClient]struct{}),
		broadcast:  make(chan []byte, streamBuffer),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
		clock:      clock.RealClock{},
		logger:     logger.With().Str("component", "stream").Logger(),
	}
}

// Run delivers broadcasts until ctx is done, then closes every client.
func (s *Stream) Run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			for c := range s.clients {
				close(c.send)
				delete(s.clients, c)
			}
			metrics.StreamClients.Set(0)
			return

		case c := <-s.register:
			s.clients[c] = struct{}{}
			metrics.StreamClients.Set(float64(len(s.clients)))
			if s.Snapshot != nil {
				for _, msg := range s.Snapshot() {
					if data, err := s.encode(msg); err == nil {
						select {
						case c.send <- data:
						default:
						}
					}
				}
			}

		case c := <-s.unregister:
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
				metrics.StreamClients.Set(float64(len(s.clients)))
			}

		case data := <-s.broadcast:
			for c := range s.clients {
				select {
				case c.send <- data:
				default:
					// Slow client; drop it rather than stall everyone
					close(c.send)
					delete(s.clients, c)
					s.logger.Warn().Msg("Dropped slow stream client")
				}
			}
			metrics.StreamClients.Set(float64(len(s.clients)))
		}
	}
}

// Broadcast queues a notification for every client. It never blocks; when
// the queue is full the notification is dropped.
func (s *Stream) Broadcast(msgType string, payload interface{}) {
	data, err := s.encode(Message{Type: msgType, Payload: payload, Timestamp: s.clock.Now()})
	if err != nil {
		s.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal stream message")
		return
	}

	select {
	case s.broadcast <- data:
	default:
		s.logger.Warn().Str("type", msgType).Msg("Stream queue full, dropping message")
	}
}

func (s *Stream) encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now()
	}
	return json.Marshal(msg)
}

// ServeHTTP upgrades the request to a websocket and attaches it to the stream.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade stream connection")
		return
	}

	c := &streamClient{stream: s, conn: conn, send: make(chan []byte, streamBuffer)}
	select {
	case s.register <- c:
	case <-s.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump consumes control frames until the peer goes away.
func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.stream.unregister <- c:
		case <-c.stream.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.stream.logger.Debug().Err(err).Msg("Stream client closed unexpectedly")
			}
			return
		}
	}
}

// writePump writes queued notifications, one frame per message.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

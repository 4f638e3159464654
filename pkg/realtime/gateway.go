// Package realtime is the websocket broadcast gateway. Every connected
// client receives every message; clients filter by recipient themselves.
// Delivery is best-effort with no acknowledgment, so only summary fields
// that any connected client may see belong in a Message.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// Message is one broadcast frame
type Message struct {
	Type   string      `json:"type"`
	Data   interface{} `json:"data,omitempty"`
	SentAt time.Time   `json:"sent_at"`
}

// Conn is a connected client as seen by the gateway
type Conn interface {
	Write(ctx context.Context, msg Message) error
	Close(reason string) error
}

// Options configures a Gateway
type Options struct {
	SendTimeout          time.Duration
	BroadcastConcurrency int
	AllowedOrigins       []string
}

// Gateway keeps the client registry and fans messages out to it. Clients
// connect and disconnect concurrently with broadcasts.
type Gateway struct {
	mu      sync.RWMutex
	clients map[string]Conn
	closed  bool

	opts    Options
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewGateway creates a gateway. metrics may be nil.
func NewGateway(opts Options, logger *observability.Logger, metrics *observability.Metrics) *Gateway {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.BroadcastConcurrency <= 0 {
		opts.BroadcastConcurrency = 32
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Gateway{
		clients: make(map[string]Conn),
		opts:    opts,
		logger:  logger.WithField("component", "realtime"),
		metrics: metrics,
		now:     time.Now,
	}
}

// ErrGatewayClosed is returned by Register after Close
var ErrGatewayClosed = errors.New("realtime gateway closed")

// Register adds c and returns its client ID
func (g *Gateway) Register(c Conn) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return "", ErrGatewayClosed
	}
	id := uuid.NewString()
	g.clients[id] = c
	g.metrics.SetRealtimeClients(len(g.clients))
	return id, nil
}

// Unregister removes a client. Unknown IDs are ignored.
func (g *Gateway) Unregister(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[id]; !ok {
		return
	}
	delete(g.clients, id)
	g.metrics.SetRealtimeClients(len(g.clients))
}

// Clients returns the number of connected clients
func (g *Gateway) Clients() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Broadcast sends msg to every client registered when it starts and returns
// how many writes succeeded. A client whose write fails is dropped; the
// others still receive the message.
func (g *Gateway) Broadcast(ctx context.Context, msg Message) int {
	if msg.SentAt.IsZero() {
		msg.SentAt = g.now().UTC()
	}

	g.mu.RLock()
	snapshot := make(map[string]Conn, len(g.clients))
	for id, c := range g.clients {
		snapshot[id] = c
	}
	g.mu.RUnlock()

	var (
		mu        sync.Mutex
		delivered int
		eg        errgroup.Group
	)
	eg.SetLimit(g.opts.BroadcastConcurrency)

	for id, c := range snapshot {
		eg.Go(func() error {
			writeCtx, cancel := context.WithTimeout(ctx, g.opts.SendTimeout)
			err := c.Write(writeCtx, msg)
			cancel()

			g.metrics.RecordRealtimeDelivery(err == nil)
			if err != nil {
				g.logger.WithError(err).WithField("client_id", id).Debug("Dropping realtime client after failed write")
				g.Unregister(id)
				_ = c.Close("write failed")
				return nil
			}
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return delivered
}

// Close disconnects every client and rejects new ones
func (g *Gateway) Close() {
	g.mu.Lock()
	clients := g.clients
	g.clients = make(map[string]Conn)
	g.closed = true
	g.mu.Unlock()

	for _, c := range clients {
		_ = c.Close("server shutting down")
	}
	g.metrics.SetRealtimeClients(0)
}

// ServeHTTP upgrades the request to a websocket and keeps the client
// registered until it disconnects. Inbound frames are discarded.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(g.opts.AllowedOrigins) > 0 {
		opts.OriginPatterns = g.opts.AllowedOrigins
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		g.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	conn := &wsConn{ws: ws}
	id, err := g.Register(conn)
	if err != nil {
		_ = conn.Close("server shutting down")
		return
	}
	defer g.Unregister(id)

	ctx := ws.CloseRead(r.Context())
	if err := conn.Write(ctx, Message{Type: "ready", Data: map[string]string{"client_id": id}, SentAt: g.now().UTC()}); err != nil {
		return
	}
	<-ctx.Done()
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, msg Message) error {
	return wsjson.Write(ctx, c.ws, msg)
}

func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

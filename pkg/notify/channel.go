// Package notify maintains the long-lived websocket connection to the
// message service. It delivers no data, only an edge-triggered "re-sync now"
// signal: frames are JSON objects and only type "notify" invokes the
// callback. The connection reconnects forever on a fixed delay until Close
// is called.
package notify

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/metrics"
)

// ReconnectDelay is the fixed pause between a connection loss and the next
// connect attempt.
const ReconnectDelay = time.Second

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Conn is the read side of a websocket connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a Conn. The production dialer wraps gorilla/websocket; tests
// substitute scripted fakes.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) DialContext(ctx context.Context, wsURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// URL builds the notification endpoint for the given user from the service
// base URL, switching the scheme to ws/wss.
func URL(baseURL, username string) string {
	wsBase := strings.TrimRight(baseURL, "/")
	wsBase = strings.Replace(wsBase, "https://", "wss://", 1)
	wsBase = strings.Replace(wsBase, "http://", "ws://", 1)
	return wsBase + "/ws/?username=" + url.QueryEscape(username)
}

// Channel is the reconnecting notification connection. The reconnect loop is
// an explicit state machine driven by an injectable dialer and timer so its
// timing is verifiable without real sockets or real clocks.
type Channel struct {
	url      string
	onNotify func()
	log      zerolog.Logger

	dialer Dialer
	after  func(time.Duration) <-chan time.Time
	delay  time.Duration

	mu      sync.Mutex
	state   State
	conn    Conn
	closed  bool
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a channel for wsURL that invokes onNotify for every notify
// frame. Call Start to begin connecting.
func New(wsURL string, onNotify func(), log zerolog.Logger) *Channel {
	return &Channel{
		url:      wsURL,
		onNotify: onNotify,
		log:      log.With().Str("component", "notify").Logger(),
		dialer:   wsDialer{},
		after:    time.After,
		delay:    ReconnectDelay,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetDialer overrides the websocket dialer. Must be called before Start.
func (c *Channel) SetDialer(d Dialer) {
	c.dialer = d
}

// SetAfterFunc overrides the reconnect timer. Must be called before Start.
func (c *Channel) SetAfterFunc(after func(time.Duration) <-chan time.Time) {
	c.after = after
}

// Start launches the connection loop.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// Close tears the channel down: no further reconnect is scheduled and the
// current connection, if any, is closed. Blocks until the loop has exited.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
	if started {
		<-c.doneCh
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setConn stores the active connection so Close can interrupt a blocked
// read. Returns false when the channel was torn down in the meantime, in
// which case the caller owns closing conn.
func (c *Channel) setConn(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Channel) run() {
	defer close(c.doneCh)
	defer c.setState(StateDisconnected)

	for {
		if c.isClosed() {
			return
		}
		c.setState(StateConnecting)
		metrics.ReconnectAttempts.Inc()

		conn, err := c.dialer.DialContext(context.Background(), c.url)
		if err != nil {
			c.log.Debug().Err(err).Msg("Connect failed")
		} else if !c.setConn(conn) {
			conn.Close()
			return
		} else {
			c.setState(StateConnected)
			metrics.ChannelConnected.Set(1)
			c.log.Debug().Msg("Connected")

			c.readLoop(conn)

			conn.Close()
			c.clearConn()
			metrics.ChannelConnected.Set(0)
		}

		c.setState(StateDisconnected)
		select {
		case <-c.after(c.delay):
		case <-c.stopCh:
			return
		}
	}
}

// readLoop consumes frames until the connection errors or closes. Malformed
// frames and frames of any other type are silently ignored; the channel is
// never a source of truth for data.
func (c *Channel) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("Connection lost")
			return
		}
		var frame struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		if frame.Type == "notify" {
			metrics.NotifySignals.Inc()
			c.onNotify()
		}
	}
}

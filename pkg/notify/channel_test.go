package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"
)

// scriptConn delivers its frames in order, then either blocks (staying
// "connected") or fails the read to simulate a dropped connection.
type scriptConn struct {
	frames [][]byte
	idx    int

	block     chan struct{}
	closeOnce sync.Once
}

func newDroppingConn(frames ...[]byte) *scriptConn {
	return &scriptConn{frames: frames}
}

func newBlockingConn(frames ...[]byte) *scriptConn {
	return &scriptConn{frames: frames, block: make(chan struct{})}
}

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	if c.idx < len(c.frames) {
		frame := c.frames[c.idx]
		c.idx++
		return 1, frame, nil
	}
	if c.block != nil {
		<-c.block
	}
	return 0, nil, errors.New("connection closed")
}

func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() {
		if c.block != nil {
			close(c.block)
		}
	})
	return nil
}

// scriptDialer hands out its scripted connections in order; once the script
// is exhausted it signals the test and returns connections that stay up.
type scriptDialer struct {
	mu        sync.Mutex
	conns     []Conn
	dials     int
	exhausted chan struct{}
	done      bool
}

func newScriptDialer(conns ...Conn) *scriptDialer {
	return &scriptDialer{conns: conns, exhausted: make(chan struct{})}
}

func (d *scriptDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= len(d.conns) {
		return d.conns[d.dials-1], nil
	}
	if !d.done {
		d.done = true
		close(d.exhausted)
	}
	return newBlockingConn(), nil
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// immediateAfter fires every reconnect delay instantly and counts them.
func immediateAfter(counter *int32) func(time.Duration) <-chan time.Time {
	return func(time.Duration) <-chan time.Time {
		atomic.AddInt32(counter, 1)
		fired := make(chan time.Time, 1)
		fired <- time.Time{}
		return fired
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestNotifyFrameFiltering(t *testing.T) {
	var notifies int32
	conn := newBlockingConn(
		[]byte(`{"type":"presence"}`),
		[]byte(`not json at all`),
		[]byte(`{"type":"notify"}`),
		[]byte(`{"other":"field"}`),
		[]byte(`{"type":"notify","extra":42}`),
	)
	dialer := newScriptDialer(conn)

	ch := New("ws://example/ws/?username=alice", func() {
		atomic.AddInt32(&notifies, 1)
	}, zerolog.Nop())
	ch.SetDialer(dialer)

	var waits int32
	ch.SetAfterFunc(immediateAfter(&waits))
	ch.Start()
	defer ch.Close()

	// Only the two notify frames fire the callback; other frame types and
	// malformed payloads are silently ignored.
	waitFor(t, func() bool { return atomic.LoadInt32(&notifies) == 2 })
	assert.Equal(t, StateConnected, ch.State())
}

func TestReconnectBound(t *testing.T) {
	const drops = 3
	conns := make([]Conn, drops)
	for i := range conns {
		conns[i] = newDroppingConn()
	}
	dialer := newScriptDialer(conns...)

	ch := New("ws://example/ws/?username=alice", func() {}, zerolog.Nop())
	ch.SetDialer(dialer)

	var waits int32
	ch.SetAfterFunc(immediateAfter(&waits))
	ch.Start()

	// N consecutive closes: N reconnect attempts, each preceded by exactly
	// one fixed delay. The final (N+1th) dial is the surviving connection.
	select {
	case <-dialer.exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnects never happened")
	}
	waitFor(t, func() bool { return ch.State() == StateConnected })
	assert.Equal(t, drops+1, dialer.dialCount())
	assert.Equal(t, int32(drops), atomic.LoadInt32(&waits))

	// Teardown: zero further attempts.
	ch.Close()
	assert.Equal(t, StateDisconnected, ch.State())
	dialsAtClose := dialer.dialCount()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, dialsAtClose, dialer.dialCount())
}

func TestCloseInterruptsBlockedRead(t *testing.T) {
	conn := newBlockingConn()
	dialer := newScriptDialer(conn)

	ch := New("ws://example/ws/?username=alice", func() {}, zerolog.Nop())
	ch.SetDialer(dialer)
	var waits int32
	ch.SetAfterFunc(immediateAfter(&waits))
	ch.Start()

	waitFor(t, func() bool { return ch.State() == StateConnected })

	done := make(chan struct{})
	go func() {
		ch.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not interrupt the blocked read")
	}
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Equal(t, 1, dialer.dialCount())
}

func TestCloseIsIdempotentAndStopsStart(t *testing.T) {
	ch := New("ws://example/ws/?username=alice", func() {}, zerolog.Nop())
	ch.SetDialer(newScriptDialer())

	ch.Close()
	ch.Close()
	// Starting after teardown must not schedule anything.
	ch.Start()
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		user string
		want string
	}{
		{"https", "https://chat.example.com/api/", "alice", "wss://chat.example.com/api/ws/?username=alice"},
		{"http", "http://localhost:8080", "bob", "ws://localhost:8080/ws/?username=bob"},
		{"escaping", "https://chat.example.com", "a b", "wss://chat.example.com/ws/?username=a+b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, URL(tt.base, tt.user))
		})
	}
}

package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
)

// Session is the transport handle behind a connection. Closing it must make
// the transport's read loop return. Done is closed first, so a transport
// writer may flush Outbound before tearing the socket down.
type Session interface {
	Close() error
}

// Participant is the authenticated identity a connection is admitted for.
type Participant struct {
	ID           string
	Role         models.Role
	VehicleClass models.VehicleClass
}

// Connection is one live transport session. Outbound frames are queued on a
// bounded buffer drained by the transport's writer; a full buffer is never
// waited on.
type Connection struct {
	SessionID   string
	Participant Participant
	ConnectedAt time.Time

	session    Session
	out        chan models.Envelope
	done       chan struct{}
	closeOnce  sync.Once
	lastActive atomic.Int64

	mu     sync.Mutex
	topics map[string]struct{}
}

func newConnection(sessionID string, p Participant, s Session, buffer int, now time.Time) *Connection {
	c := &Connection{
		SessionID:   sessionID,
		Participant: p,
		ConnectedAt: now,
		session:     s,
		out:         make(chan models.Envelope, buffer),
		done:        make(chan struct{}),
		topics:      make(map[string]struct{}),
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

func (c *Connection) ID() string        { return c.Participant.ID }
func (c *Connection) Role() models.Role { return c.Participant.Role }

// Outbound is drained by the transport writer.
func (c *Connection) Outbound() <-chan models.Envelope { return c.out }

// Done is closed once the connection has been evicted.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Deliver queues env without blocking.
func (c *Connection) Deliver(env models.Envelope) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Touch records inbound activity.
func (c *Connection) Touch(now time.Time) { c.lastActive.Store(now.UnixNano()) }

func (c *Connection) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

// Topics returns the monitored topics in sorted order.
func (c *Connection) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Connection) addTopic(t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[t]; ok {
		return false
	}
	c.topics[t] = struct{}{}
	return true
}

func (c *Connection) removeTopic(t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[t]; !ok {
		return false
	}
	delete(c.topics, t)
	return true
}

func (c *Connection) drainTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	c.topics = make(map[string]struct{})
	return out
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) close() bool {
	closed := false
	c.closeOnce.Do(func() {
		close(c.done)
		if c.session != nil {
			_ = c.session.Close()
		}
		closed = true
	})
	return closed
}

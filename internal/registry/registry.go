// Package registry tracks the live connection of every authenticated
// participant. A participant holds at most one connection; admitting a new
// one evicts the old.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/shard"
)

type EvictReason string

const (
	ReasonSuperseded EvictReason = "superseded"
	ReasonClosed     EvictReason = "closed"
	ReasonIdle       EvictReason = "idle"
	ReasonOverflow   EvictReason = "overflow"
	ReasonShutdown   EvictReason = "shutdown"
)

// EvictHook runs after a connection left the registry, outside any registry
// lock. Role specific cleanup is attached here.
type EvictHook func(c *Connection, reason EvictReason)

type stripe struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

type Registry struct {
	stripes    []*stripe
	sendBuffer int
	log        *slog.Logger
	now        func() time.Time

	topicsMu sync.RWMutex
	watchers map[string]map[string]*Connection // topic -> participant -> conn

	hooksMu sync.RWMutex
	hooks   []EvictHook
}

func New(sendBuffer int, log *slog.Logger) *Registry {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	r := &Registry{
		stripes:    make([]*stripe, shard.DefaultCount),
		sendBuffer: sendBuffer,
		log:        log.With("component", "registry"),
		now:        time.Now,
		watchers:   make(map[string]map[string]*Connection),
	}
	for i := range r.stripes {
		r.stripes[i] = &stripe{conns: make(map[string]*Connection)}
	}
	return r
}

func (r *Registry) stripeFor(id string) *stripe { return r.stripes[shard.For(id, len(r.stripes))] }

// OnEvict registers a hook called for every eviction.
func (r *Registry) OnEvict(h EvictHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Admit registers a session for p. A previous connection of the same
// participant is closed and reported to the hooks as superseded before
// Admit returns.
func (r *Registry) Admit(p Participant, s Session) *Connection {
	c := newConnection(uuid.NewString(), p, s, r.sendBuffer, r.now())
	st := r.stripeFor(p.ID)
	st.mu.Lock()
	old := st.conns[p.ID]
	st.conns[p.ID] = c
	st.mu.Unlock()

	if old != nil {
		r.detach(old, ReasonSuperseded)
	}
	observability.ConnectionsActive.WithLabelValues(string(p.Role)).Inc()
	r.log.Info("connection_admitted", "participant_id", p.ID, "role", p.Role, "session_id", c.SessionID, "superseded", old != nil)
	return c
}

func (r *Registry) Lookup(participantID string) (*Connection, bool) {
	st := r.stripeFor(participantID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	c, ok := st.conns[participantID]
	return c, ok
}

func (r *Registry) IsOnline(participantID string) bool {
	_, ok := r.Lookup(participantID)
	return ok
}

// Evict removes the participant's current connection. Evicting an absent
// participant is a no-op and returns false.
func (r *Registry) Evict(participantID string, reason EvictReason) bool {
	st := r.stripeFor(participantID)
	st.mu.Lock()
	c, ok := st.conns[participantID]
	if ok {
		delete(st.conns, participantID)
	}
	st.mu.Unlock()
	if !ok {
		return false
	}
	r.detach(c, reason)
	return true
}

// Release removes c only if it is still the participant's current
// connection. Transports call it when their session ends so that a late close
// of a superseded session cannot evict its replacement.
func (r *Registry) Release(c *Connection, reason EvictReason) bool {
	st := r.stripeFor(c.ID())
	st.mu.Lock()
	cur, ok := st.conns[c.ID()]
	current := ok && cur == c
	if current {
		delete(st.conns, c.ID())
	}
	st.mu.Unlock()
	if !current {
		c.close()
		return false
	}
	r.detach(c, reason)
	return true
}

func (r *Registry) detach(c *Connection, reason EvictReason) {
	if !c.close() {
		return
	}
	for _, t := range c.drainTopics() {
		r.unwatch(t, c)
	}
	observability.ConnectionsActive.WithLabelValues(string(c.Role())).Dec()
	observability.ConnectionEvictions.WithLabelValues(string(reason)).Inc()
	r.log.Info("connection_evicted", "participant_id", c.ID(), "role", c.Role(), "session_id", c.SessionID, "reason", reason)

	r.hooksMu.RLock()
	hooks := append([]EvictHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		h(c, reason)
	}
}

// Join subscribes c to topic. Returns false when c is closed or already joined.
func (r *Registry) Join(c *Connection, topic string) bool {
	if c.isClosed() || !c.addTopic(topic) {
		return false
	}
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()
	if c.isClosed() {
		c.removeTopic(topic)
		return false
	}
	set, ok := r.watchers[topic]
	if !ok {
		set = make(map[string]*Connection)
		r.watchers[topic] = set
	}
	set[c.ID()] = c
	return true
}

func (r *Registry) Leave(c *Connection, topic string) bool {
	if !c.removeTopic(topic) {
		return false
	}
	r.unwatch(topic, c)
	return true
}

func (r *Registry) unwatch(topic string, c *Connection) {
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()
	set := r.watchers[topic]
	if set[c.ID()] == c {
		delete(set, c.ID())
	}
	if len(set) == 0 {
		delete(r.watchers, topic)
	}
}

// Watchers returns the connections currently joined to topic.
func (r *Registry) Watchers(topic string) []*Connection {
	r.topicsMu.RLock()
	defer r.topicsMu.RUnlock()
	set := r.watchers[topic]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// DropTopic unsubscribes every watcher from topic.
func (r *Registry) DropTopic(topic string) {
	r.topicsMu.Lock()
	set := r.watchers[topic]
	delete(r.watchers, topic)
	r.topicsMu.Unlock()
	for _, c := range set {
		c.removeTopic(topic)
	}
}

// IdleSince returns the connections whose last activity is before cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []*Connection {
	var out []*Connection
	for _, st := range r.stripes {
		st.mu.RLock()
		for _, c := range st.conns {
			if c.LastActive().Before(cutoff) {
				out = append(out, c)
			}
		}
		st.mu.RUnlock()
	}
	return out
}

// Count returns the number of live connections per role.
func (r *Registry) Count() map[models.Role]int {
	out := make(map[models.Role]int)
	for _, st := range r.stripes {
		st.mu.RLock()
		for _, c := range st.conns {
			out[c.Role()]++
		}
		st.mu.RUnlock()
	}
	return out
}

// Close evicts every connection.
func (r *Registry) Close() {
	for _, st := range r.stripes {
		st.mu.Lock()
		conns := st.conns
		st.conns = make(map[string]*Connection)
		st.mu.Unlock()
		for _, c := range conns {
			r.detach(c, ReasonShutdown)
		}
	}
}

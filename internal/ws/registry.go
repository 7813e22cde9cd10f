package ws

import (
	"hash/fnv"
	"sync"
)

const registryShards = 32

// Registry maps topics to the connections subscribed to them. It lives only
// in memory. Locks are striped by key so subscriptions on unrelated topics
// and connections never contend.
type Registry struct {
	topics [registryShards]topicShard
	conns  [registryShards]connShard
}

type topicShard struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{} // topic -> conn ids
}

type connShard struct {
	mu     sync.Mutex
	topics map[string]map[string]struct{} // conn id -> topics
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.topics {
		r.topics[i].subs = make(map[string]map[string]struct{})
		r.conns[i].topics = make(map[string]map[string]struct{})
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % registryShards)
}

// Subscribe adds connID to topic. Repeating it is a no-op.
func (r *Registry) Subscribe(connID, topic string) {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	topics, ok := cs.topics[connID]
	if !ok {
		topics = make(map[string]struct{})
		cs.topics[connID] = topics
	}
	topics[topic] = struct{}{}

	ts := &r.topics[shardOf(topic)]
	ts.mu.Lock()
	set, ok := ts.subs[topic]
	if !ok {
		set = make(map[string]struct{})
		ts.subs[topic] = set
	}
	set[connID] = struct{}{}
	ts.mu.Unlock()
}

// Unsubscribe removes connID from topic. Unknown pairs are ignored.
func (r *Registry) Unsubscribe(connID, topic string) {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if topics, ok := cs.topics[connID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(cs.topics, connID)
		}
	}
	r.removeFromTopic(connID, topic)
}

// SubscribersOf returns a snapshot of the connections subscribed to topic.
func (r *Registry) SubscribersOf(topic string) []string {
	ts := &r.topics[shardOf(topic)]
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	set := ts.subs[topic]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// TopicsOf returns a snapshot of the topics connID is subscribed to.
func (r *Registry) TopicsOf(connID string) []string {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	set := cs.topics[connID]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// DropConnection removes every subscription held by connID. Safe for
// connections that never subscribed.
func (r *Registry) DropConnection(connID string) {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for topic := range cs.topics[connID] {
		r.removeFromTopic(connID, topic)
	}
	delete(cs.topics, connID)
}

// removeFromTopic is called with the connection's shard held, which keeps
// the two indexes consistent for that connection.
func (r *Registry) removeFromTopic(connID, topic string) {
	ts := &r.topics[shardOf(topic)]
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if set, ok := ts.subs[topic]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(ts.subs, topic)
		}
	}
}

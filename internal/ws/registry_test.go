package ws

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_SubscribeIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("c1", "e1")
	r.Subscribe("c1", "e1")
	r.Subscribe("c2", "e1")

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.SubscribersOf("e1"))
	assert.Equal(t, []string{"e1"}, r.TopicsOf("c1"))
}

func TestRegistry_UnsubscribeUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	assert.NotPanics(t, func() {
		r.Unsubscribe("nobody", "nothing")
	})

	r.Subscribe("c1", "e1")
	r.Unsubscribe("c1", "e2")
	r.Unsubscribe("c1", "e1")
	r.Unsubscribe("c1", "e1")
	assert.Empty(t, r.SubscribersOf("e1"))
	assert.Empty(t, r.TopicsOf("c1"))
}

func TestRegistry_DropConnection(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("c1", "e1")
	r.Subscribe("c1", "e2")
	r.Subscribe("c2", "e2")

	r.DropConnection("c1")
	r.DropConnection("c1")
	r.DropConnection("never-subscribed")

	assert.Empty(t, r.SubscribersOf("e1"))
	assert.Equal(t, []string{"c2"}, r.SubscribersOf("e2"))
	assert.Empty(t, r.TopicsOf("c1"))
}

func TestRegistry_TopicIsolation(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("c1", "e1")
	r.Subscribe("c2", "e1/../e2")

	assert.Equal(t, []string{"c1"}, r.SubscribersOf("e1"))
	assert.Empty(t, r.SubscribersOf("e2"))
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			for j := 0; j < 20; j++ {
				topic := fmt.Sprintf("e%d", j%5)
				r.Subscribe(conn, topic)
				_ = r.SubscribersOf(topic)
				if j%3 == 0 {
					r.Unsubscribe(conn, topic)
				}
			}
			if i%2 == 0 {
				r.DropConnection(conn)
			}
		}(i)
	}
	wg.Wait()

	for j := 0; j < 5; j++ {
		for _, conn := range r.SubscribersOf(fmt.Sprintf("e%d", j)) {
			var n int
			fmt.Sscanf(conn, "c%d", &n)
			assert.Equal(t, 1, n%2, "dropped connection %s still subscribed", conn)
		}
	}
}

package heirlink

import "sync"

// Connectivity is the process-wide network-availability signal. Subscribers
// run on transitions only, in subscription order, on the caller of Set.
type Connectivity struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	order  []int
	next   int
}

// NewConnectivity returns a signal that starts online.
func NewConnectivity() *Connectivity {
	return &Connectivity{online: true, subs: make(map[int]func(bool))}
}

// Online returns the current state.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Set records the current state and notifies subscribers if it changed.
func (c *Connectivity) Set(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	fns := make([]func(bool), 0, len(c.order))
	for _, id := range c.order {
		fns = append(fns, c.subs[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		safeCall(func() { fn(online) })
	}
}

// Subscribe registers fn and returns a function that removes it.
func (c *Connectivity) Subscribe(fn func(online bool)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.order = append(c.order, id)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; !ok {
			return
		}
		delete(c.subs, id)
		for i, v := range c.order {
			if v == id {
				c.order = append(c.order[:i:i], c.order[i+1:]...)
				break
			}
		}
	}
}

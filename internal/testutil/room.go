package testutil

import "sync"

// subscriber is one accepted websocket on the fake backend.
type subscriber struct {
	room   string
	frames chan []byte
	kick   chan struct{}
	once   sync.Once
}

func newSubscriber(room string) *subscriber {
	return &subscriber{
		room:   room,
		frames: make(chan []byte, 32),
		kick:   make(chan struct{}),
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.kick) })
}

// room groups subscribers of the same stream path.
type room struct {
	name    string
	clients map[*subscriber]struct{}
}

func newRoom(name string) *room {
	return &room{
		name:    name,
		clients: make(map[*subscriber]struct{}),
	}
}

// add inserts a subscriber. Returns true if newly added.
func (r *room) add(s *subscriber) bool {
	if _, exists := r.clients[s]; exists {
		return false
	}
	r.clients[s] = struct{}{}
	return true
}

// remove deletes a subscriber. Returns true if removed.
func (r *room) remove(s *subscriber) bool {
	if _, exists := r.clients[s]; !exists {
		return false
	}
	delete(r.clients, s)
	return true
}

// broadcast queues a frame for every subscriber.
func (r *room) broadcast(frame []byte) {
	for s := range r.clients {
		select {
		case s.frames <- frame:
		default:
			// Drop if slow consumer.
		}
	}
}

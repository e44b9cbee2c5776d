package handler

import (
	"sync"

	"github.com/ValentinKolb/msgnet/network/message"
)

// IRequestHandler turns one inbound message into zero or one reply.
// The server calls it from its application thread, one message at a time.
type IRequestHandler interface {
	// Handle processes msg and returns the reply. ok is false when there is no reply.
	Handle(msg message.Message) (reply message.Message, ok bool)
}

// IMatcher is implemented by handlers that can tell whether they accept a message
// without handling it. The server uses it to tell unhandled messages from messages
// that need no reply.
type IMatcher interface {
	Matches(msg message.Message) bool
}

// HandlerFunc adapts a function to IRequestHandler
type HandlerFunc func(msg message.Message) (message.Message, bool)

func (f HandlerFunc) Handle(msg message.Message) (message.Message, bool) {
	return f(msg)
}

// Predicate selects the messages a route is responsible for
type Predicate func(msg message.Message) bool

// OfType matches messages with the given type tag
func OfType(t message.MessageType) Predicate {
	return func(msg message.Message) bool {
		return msg.Header.Type == t
	}
}

type route struct {
	match   Predicate
	handler IRequestHandler
}

// Chain dispatches a message to the first route whose predicate matches, in registration
// order. Messages without a matching route get no reply.
//
// Usage:
//
//	chain := handler.NewChain()
//	chain.On(message.LoginRequest, func(m message.Message) (message.Message, bool) {
//		reply := message.New(message.LoginAnswer)
//		message.Push(&reply, true)
//		return reply, true
//	})
type Chain struct {
	mu     sync.RWMutex
	routes []route
}

// NewChain returns an empty chain
func NewChain() *Chain {
	return &Chain{}
}

// On registers fn for every message of type t
func (c *Chain) On(t message.MessageType, fn HandlerFunc) *Chain {
	return c.When(OfType(t), fn)
}

// When registers fn for every message matching pred
func (c *Chain) When(pred Predicate, fn HandlerFunc) *Chain {
	if fn == nil {
		return c
	}
	return c.Add(pred, fn)
}

// Add registers an arbitrary handler for every message matching pred
func (c *Chain) Add(pred Predicate, h IRequestHandler) *Chain {
	if pred == nil || h == nil {
		return c
	}
	c.mu.Lock()
	c.routes = append(c.routes, route{match: pred, handler: h})
	c.mu.Unlock()
	return c
}

// Len returns the number of registered routes
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.routes)
}

// Handle implements IRequestHandler
func (c *Chain) Handle(msg message.Message) (message.Message, bool) {
	c.mu.RLock()
	routes := c.routes
	c.mu.RUnlock()

	for _, r := range routes {
		if r.match(msg) {
			return r.handler.Handle(msg)
		}
	}
	return message.Message{}, false
}

// Matches reports whether any route accepts msg
func (c *Chain) Matches(msg message.Message) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.routes {
		if r.match(msg) {
			return true
		}
	}
	return false
}

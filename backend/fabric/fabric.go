package fabric

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/chat-relay/backend/model"
)

var (
	ErrUnexpected = errors.New("unexpected fabric error")
)

type (
	// Handler receives envelopes addressed to a subscribed room.
	Handler func(model.Envelope)

	Subscription interface {
		Unsubscribe()
	}

	// Fabric delivers envelopes published for a room to every process
	// that has the room subscribed. Topology is hidden behind it.
	Fabric interface {
		Publish(ctx context.Context, env model.Envelope) error
		Subscribe(room model.RoomID, h Handler) (Subscription, error)
		Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error)
		Close() error
	}
)

// Router is the local dispatch table shared by fabric implementations.
// The write lock is taken only when a room becomes active or inactive,
// dispatch for unrelated rooms runs in parallel under the read lock.
type Router struct {
	mx   *sync.RWMutex
	subs map[model.RoomID]map[*subscription]Handler
}

type subscription struct {
	once   sync.Once
	router *Router
	room   model.RoomID
}

func NewRouter() *Router {
	return &Router{
		mx:   &sync.RWMutex{},
		subs: make(map[model.RoomID]map[*subscription]Handler),
	}
}

func (rt *Router) Subscribe(room model.RoomID, h Handler) (Subscription, error) {
	sub := &subscription{router: rt, room: room}

	rt.mx.Lock()
	defer rt.mx.Unlock()

	handlers, ok := rt.subs[room]
	if !ok {
		handlers = make(map[*subscription]Handler)
		rt.subs[room] = handlers
	}
	handlers[sub] = h
	return sub, nil
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.router.remove(s)
	})
}

func (rt *Router) remove(sub *subscription) {
	rt.mx.Lock()
	defer rt.mx.Unlock()

	handlers, ok := rt.subs[sub.room]
	if !ok {
		return
	}
	delete(handlers, sub)
	if len(handlers) == 0 {
		delete(rt.subs, sub.room)
	}
}

// Dispatch hands env to every local handler of its room and reports
// whether anyone was listening.
func (rt *Router) Dispatch(env model.Envelope) bool {
	rt.mx.RLock()
	handlers := make([]Handler, 0, len(rt.subs[env.Room]))
	for _, h := range rt.subs[env.Room] {
		handlers = append(handlers, h)
	}
	rt.mx.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return len(handlers) > 0
}

// Active reports whether room has at least one local subscription.
func (rt *Router) Active(room model.RoomID) bool {
	rt.mx.RLock()
	defer rt.mx.RUnlock()
	return len(rt.subs[room]) > 0
}

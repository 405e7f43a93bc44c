package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/chat-relay/backend/fabric"
	"github.com/adwski/chat-relay/backend/model"
)

var (
	ErrSubscribe = errors.New("unable to subscribe room")
)

type (
	// Member is a connection as seen by the registry. The registry never
	// owns members, it only holds references until Leave.
	Member interface {
		ID() string
		Send(payload []byte) error
	}

	Subscriber interface {
		Subscribe(room model.RoomID, h fabric.Handler) (fabric.Subscription, error)
	}

	Config struct {
		Logger *zerolog.Logger
		Fabric Subscriber
	}

	// Registry maps rooms to their members. Each room has its own lock,
	// so joins and broadcasts in unrelated rooms never contend.
	Registry struct {
		fabric Subscriber
		rooms  *sync.Map // model.RoomID -> *room
		joined *sync.Map // member id -> model.RoomID
		logger zerolog.Logger
	}

	room struct {
		id      model.RoomID
		mx      *sync.RWMutex
		members map[string]Member
		sub     fabric.Subscription
		dead    bool // removed from rooms map, must not take new members
		logger  zerolog.Logger
	}
)

func New(cfg Config) *Registry {
	return &Registry{
		fabric: cfg.Fabric,
		rooms:  &sync.Map{},
		joined: &sync.Map{},
		logger: cfg.Logger.With().Str("component", "registry").Logger(),
	}
}

// Join registers m in roomID. The first member of a room activates the
// room on the fabric before Join returns.
func (reg *Registry) Join(roomID model.RoomID, m Member) error {
	if prev, loaded := reg.joined.LoadOrStore(m.ID(), roomID); loaded {
		return errors.Join(model.ErrAlreadyJoined,
			fmt.Errorf("member %s is registered in room %s", m.ID(), prev))
	}

	for {
		v, _ := reg.rooms.LoadOrStore(roomID, reg.newRoom(roomID))
		rm := v.(*room)

		rm.mx.Lock()
		if rm.dead {
			// lost the race with the last Leave, retry with a fresh room
			rm.mx.Unlock()
			continue
		}
		if rm.sub == nil {
			sub, err := reg.fabric.Subscribe(roomID, rm.deliver)
			if err != nil {
				rm.dead = true
				reg.rooms.CompareAndDelete(roomID, rm)
				rm.mx.Unlock()
				reg.joined.Delete(m.ID())
				return errors.Join(ErrSubscribe, err)
			}
			rm.sub = sub
			reg.logger.Debug().Str("roomID", roomID.String()).Msg("room activated")
		}
		rm.members[m.ID()] = m
		count := len(rm.members)
		rm.mx.Unlock()

		reg.logger.Debug().
			Str("roomID", roomID.String()).
			Str("memberID", m.ID()).
			Int("members", count).
			Msg("member joined")
		return nil
	}
}

// Leave removes m from roomID. Removing an absent member is a no-op.
func (reg *Registry) Leave(roomID model.RoomID, m Member) {
	v, ok := reg.rooms.Load(roomID)
	if !ok {
		reg.joined.CompareAndDelete(m.ID(), roomID)
		return
	}
	rm := v.(*room)

	rm.mx.Lock()
	if _, ok = rm.members[m.ID()]; !ok {
		rm.mx.Unlock()
		return
	}
	delete(rm.members, m.ID())
	reg.joined.CompareAndDelete(m.ID(), roomID)
	count := len(rm.members)
	if count == 0 {
		rm.dead = true
		reg.rooms.CompareAndDelete(roomID, rm)
		if rm.sub != nil {
			rm.sub.Unsubscribe()
		}
	}
	rm.mx.Unlock()

	reg.logger.Debug().
		Str("roomID", roomID.String()).
		Str("memberID", m.ID()).
		Int("members", count).
		Msg("member left")
	if count == 0 {
		reg.logger.Debug().Str("roomID", roomID.String()).Msg("room deactivated")
	}
}

// Members returns a snapshot of the room. Members in the snapshot may
// close at any time after it is taken.
func (reg *Registry) Members(roomID model.RoomID) []Member {
	v, ok := reg.rooms.Load(roomID)
	if !ok {
		return nil
	}
	return v.(*room).snapshot()
}

// Stats returns the number of active rooms and joined members.
func (reg *Registry) Stats() (rooms, members int) {
	reg.rooms.Range(func(_, v any) bool {
		rm := v.(*room)
		rm.mx.RLock()
		if !rm.dead {
			rooms++
			members += len(rm.members)
		}
		rm.mx.RUnlock()
		return true
	})
	return
}

func (reg *Registry) newRoom(id model.RoomID) *room {
	return &room{
		id:      id,
		mx:      &sync.RWMutex{},
		members: make(map[string]Member),
		logger:  reg.logger,
	}
}

func (rm *room) snapshot() []Member {
	rm.mx.RLock()
	defer rm.mx.RUnlock()

	members := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		members = append(members, m)
	}
	return members
}

// deliver fans env out to the members present when it arrives.
// A failing member never stops delivery to the others.
func (rm *room) deliver(env model.Envelope) {
	payload, err := env.Wire()
	if err != nil {
		rm.logger.Error().Err(err).Str("roomID", rm.id.String()).Msg("failed to marshal outgoing message")
		return
	}

	var sent int
	for _, m := range rm.snapshot() {
		if err = m.Send(payload); err != nil {
			rm.logger.Debug().Err(err).
				Str("roomID", rm.id.String()).
				Str("memberID", m.ID()).
				Msg("delivery skipped")
			continue
		}
		sent++
	}
	rm.logger.Trace().
		Str("roomID", rm.id.String()).
		Int("delivered", sent).
		Msg("envelope delivered")
}

package orch

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/classchat/internal/app"
	"github.com/dkeye/classchat/internal/domain"
)

func (o *Orchestrator) JoinRoom(id domain.RoomID) error {
	if err := o.Registry.Join(id); err != nil {
		log.Warn().Str("module", "app.orch").Str("room", string(id)).Err(err).Msg("join refused")
		return err
	}
	return nil
}

// LeaveRoom releases interest; already delivered history stays in the store.
func (o *Orchestrator) LeaveRoom(id domain.RoomID) { o.Registry.Leave(id) }

// CreateRoom requests a new room and returns the request id. The room shows
// up once the server acknowledges it.
func (o *Orchestrator) CreateRoom(req app.CreateRoomRequest) (string, error) {
	return o.Registry.CreateRoom(req)
}

// RemoveRoom leaves the room and discards its local state.
func (o *Orchestrator) RemoveRoom(id domain.RoomID) error {
	if !o.Router.DropRoom(id) {
		return fmt.Errorf("%w: %s", domain.ErrUnknownRoom, id)
	}
	return nil
}

func (o *Orchestrator) ListRooms() []domain.Room { return o.Store.List() }

func (o *Orchestrator) GetRoom(id domain.RoomID) (domain.Room, error) {
	r, ok := o.Store.Get(id)
	if !ok {
		return domain.Room{}, fmt.Errorf("%w: %s", domain.ErrUnknownRoom, id)
	}
	return r, nil
}

func (o *Orchestrator) Messages(id domain.RoomID) ([]domain.Message, error) {
	if _, ok := o.Store.Get(id); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRoom, id)
	}
	return o.Store.Messages(id), nil
}

func (o *Orchestrator) SearchRooms(term string) []domain.Room { return o.Store.Search(term) }

func (o *Orchestrator) FilterRooms(kind domain.RoomKind) []domain.Room { return o.Store.Filter(kind) }

func (o *Orchestrator) SelectRoom(id domain.RoomID) error { return o.Store.Select(id) }

func (o *Orchestrator) SelectedRoom() (domain.Room, bool) { return o.Store.Selected() }

func (o *Orchestrator) DeselectRoom() { o.Store.Deselect() }

func (o *Orchestrator) OnRoomMessage(id domain.RoomID, fn func(app.MessageEvent)) func() {
	return o.Store.OnMessage(id, fn)
}

func (o *Orchestrator) OnRoomHistoryOf(id domain.RoomID, fn func(app.HistoryEvent)) func() {
	return o.Store.OnRoomHistory(id, fn)
}

func (o *Orchestrator) OnRoomUpdateOf(id domain.RoomID, fn func(app.RoomEvent)) func() {
	return o.Store.OnRoomUpdate(id, fn)
}

package http

import (
	"io"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classchat/internal/app"
	"github.com/dkeye/classchat/internal/core"
)

const eventBuffer = 64

type sseEvent struct {
	name string
	data any
}

type StateEvent struct {
	From  core.ConnectionState `json:"from"`
	To    core.ConnectionState `json:"to"`
	Error string               `json:"error,omitempty"`
}

// events streams store and connection changes as server-sent events.
// A viewer that falls behind by more than eventBuffer events loses the
// overflow; the first event is always a full status.
func (h *handlers) events(c *gin.Context) {
	ch := make(chan sseEvent, eventBuffer)
	viewer := c.GetString(viewerKey)
	push := func(name string, data any) {
		select {
		case ch <- sseEvent{name: name, data: data}:
		default:
			log.Debug().Str("module", "adapters.http").Str("viewer", viewer).Str("event", name).Msg("event dropped")
		}
	}

	unsubscribe := []func(){
		h.orch.OnStateChange(func(sc app.StateChange) {
			ev := StateEvent{From: sc.From, To: sc.To}
			if sc.Err != nil {
				ev.Error = sc.Err.Error()
			}
			push("state", ev)
		}),
		h.orch.OnMessage(func(ev app.MessageEvent) { push("message", ev) }),
		h.orch.OnRoomHistory(func(ev app.HistoryEvent) { push("history", ev) }),
		h.orch.OnRoomUpdate(func(ev app.RoomEvent) { push("room", ev) }),
	}
	defer func() {
		for _, u := range unsubscribe {
			u()
		}
		log.Info().Str("module", "adapters.http").Str("viewer", viewer).Msg("event stream closed")
	}()

	c.Header("Cache-Control", "no-cache")
	c.SSEvent("status", h.orch.Status())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev := <-ch:
			c.SSEvent(ev.name, ev.data)
			return true
		}
	})
}

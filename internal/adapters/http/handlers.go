package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/classchat/internal/app"
	"github.com/dkeye/classchat/internal/app/orch"
	"github.com/dkeye/classchat/internal/domain"
)

type handlers struct {
	orch *orch.Orchestrator
}

type SendMessageRequest struct {
	Content    string `json:"content"`
	Kind       string `json:"kind"`
	DurationMS int64  `json:"duration_ms"`
}

type CreateRoomRequest struct {
	Kind         string   `json:"kind"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

type AcceptedResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status"`
}

func roomParam(c *gin.Context) domain.RoomID { return domain.RoomID(c.Param("id")) }

func viewerLog(c *gin.Context) *zerolog.Logger {
	l := log.With().Str("module", "adapters.http").Str("viewer", c.GetString(viewerKey)).Logger()
	return &l
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": h.orch.State()})
}

func (h *handlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Status())
}

func (h *handlers) reconnect(c *gin.Context) {
	if err := h.orch.Reconnect(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	viewerLog(c).Info().Msg("reconnect requested")
	c.JSON(http.StatusAccepted, AcceptedResponse{Status: h.orch.State().String()})
}

func (h *handlers) listRooms(c *gin.Context) {
	rooms := h.orch.SearchRooms(c.Query("q"))
	if kind := domain.RoomKind(c.Query("kind")); kind != "" {
		if !kind.Valid() {
			writeError(c, &domain.ValidationError{Fields: map[string]string{"kind": "kind must be one of [direct group]"}})
			return
		}
		rooms = lo.Filter(rooms, func(r domain.Room, _ int) bool { return r.Kind == kind })
	}
	c.JSON(http.StatusOK, rooms)
}

func (h *handlers) getRoom(c *gin.Context) {
	room, err := h.orch.GetRoom(roomParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *handlers) messages(c *gin.Context) {
	msgs, err := h.orch.Messages(roomParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *handlers) createRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badBody(err))
		return
	}
	parts := make([]domain.UserID, 0, len(req.Participants))
	for _, p := range req.Participants {
		parts = append(parts, domain.UserID(p))
	}
	id, err := h.orch.CreateRoom(app.CreateRoomRequest{Kind: domain.RoomKind(req.Kind), Name: req.Name, Participants: parts})
	if err != nil {
		writeError(c, err)
		return
	}
	viewerLog(c).Info().Str("request_id", id).Msg("room requested")
	c.JSON(http.StatusAccepted, AcceptedResponse{RequestID: id, Status: "pending"})
}

func (h *handlers) removeRoom(c *gin.Context) {
	if err := h.orch.RemoveRoom(roomParam(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) joinRoom(c *gin.Context) {
	id := roomParam(c)
	if err := h.orch.JoinRoom(id); err != nil {
		writeError(c, err)
		return
	}
	viewerLog(c).Info().Str("room", string(id)).Msg("join requested")
	c.JSON(http.StatusAccepted, AcceptedResponse{Status: h.orch.Status().Subscriptions[id]})
}

func (h *handlers) leaveRoom(c *gin.Context) {
	h.orch.LeaveRoom(roomParam(c))
	c.JSON(http.StatusAccepted, AcceptedResponse{Status: "leaving"})
}

func (h *handlers) selectRoom(c *gin.Context) {
	if err := h.orch.SelectRoom(roomParam(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) selection(c *gin.Context) {
	room, ok := h.orch.SelectedRoom()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"room": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (h *handlers) deselect(c *gin.Context) {
	h.orch.DeselectRoom()
	c.Status(http.StatusNoContent)
}

func (h *handlers) sendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badBody(err))
		return
	}
	m, err := h.orch.SendMessage(app.SendRequest{
		RoomID:   roomParam(c),
		Content:  req.Content,
		Kind:     domain.MessageKind(req.Kind),
		Duration: time.Duration(req.DurationMS) * time.Millisecond,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, m)
}

func (h *handlers) markRead(c *gin.Context) {
	if err := h.orch.MarkRead(domain.MessageID(c.Param("id"))); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) retry(c *gin.Context) {
	m, err := h.orch.RetryMessage(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, m)
}

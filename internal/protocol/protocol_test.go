package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/classchat/internal/domain"
)

func TestEncodeDecode_Send(t *testing.T) {
	req := require.New(t)

	f, err := Encode(TypeSend, "tmp-1", "r1", SendRequest{ClientMessageID: "tmp-1", Body: "hi", Kind: "text"})
	req.NoError(err)

	env, err := Decode(f)
	req.NoError(err)
	req.Equal(TypeSend, env.Type)
	req.Equal("tmp-1", env.RequestID)
	req.Equal("r1", env.RoomID)

	var p SendRequest
	req.NoError(env.Bind(&p))
	req.Equal("hi", p.Body)
}

func TestDecode_Rejects(t *testing.T) {
	req := require.New(t)

	_, err := Decode([]byte("not json"))
	req.ErrorIs(err, ErrBadFrame)

	_, err = Decode([]byte(`{"payload":{}}`))
	req.ErrorIs(err, ErrBadFrame)

	env, err := Decode([]byte(`{"type":"read-receipt"}`))
	req.NoError(err)
	req.ErrorIs(env.Bind(&ReadReceiptPayload{}), ErrBadPayload)

	env, err = Decode([]byte(`{"type":"read-receipt","payload":[1,2]}`))
	req.NoError(err)
	req.ErrorIs(env.Bind(&ReadReceiptPayload{}), ErrBadPayload)
}

func TestMessagePayload_ToDomain(t *testing.T) {
	req := require.New(t)
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	m := MessagePayload{
		MessageID:       "m42",
		ClientMessageID: "tmp-1",
		RoomID:          "r1",
		SequenceID:      7,
		SentAt:          at,
		Kind:            "voice",
		DurationMS:      2500,
		Sender:          ActorPayload{ID: "u1", Name: "Amina"},
		Body:            "blob://v1",
	}.ToDomain()

	req.Equal(domain.MessageID("m42"), m.ID)
	req.Equal(domain.StatusConfirmed, m.Status)
	req.Equal(domain.MessageVoice, m.Kind)
	req.Equal(2500*time.Millisecond, m.Duration)
	req.Equal(int64(7), m.Seq)
	req.Equal(domain.UserID("u1"), m.SenderID)

	// Unknown kinds degrade to text.
	req.Equal(domain.MessageText, MessagePayload{Kind: "sticker"}.ToDomain().Kind)
}

func TestRoomPayload_ApplyMergesOnlyPresentFields(t *testing.T) {
	req := require.New(t)
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	room := domain.Room{ID: "r1", Kind: domain.RoomDirect, Name: "old", LastActivity: t0}
	name := "Science club"
	earlier := t0.Add(-time.Hour)
	RoomPayload{ID: "r1", Name: &name, LastActivity: &earlier}.Apply(&room)

	req.Equal("Science club", room.Name)
	req.Equal(domain.RoomDirect, room.Kind)
	req.Equal(t0, room.LastActivity)

	parts := []ActorPayload{{ID: "u1", Name: "Amina"}}
	kind := "group"
	RoomPayload{ID: "r1", Kind: &kind, Participants: &parts}.Apply(&room)
	req.Equal(domain.RoomGroup, room.Kind)
	req.Equal([]domain.Participant{{ID: "u1", Name: "Amina"}}, room.Participants)

	fresh := domain.Room{}
	RoomPayload{ID: "r2"}.Apply(&fresh)
	req.Equal(domain.RoomID("r2"), fresh.ID)
	req.Equal(domain.RoomGroup, fresh.Kind)
}

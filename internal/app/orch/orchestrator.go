// Package orch wires the chat core together. An Orchestrator is the only
// object consumers hold; each instance owns exactly one connection.
package orch

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classchat/internal/app"
	"github.com/dkeye/classchat/internal/auth"
	"github.com/dkeye/classchat/internal/core"
	"github.com/dkeye/classchat/internal/domain"
	"github.com/dkeye/classchat/internal/telemetry"
)

const defaultOutboxCapacity = 100

type Options struct {
	Dialer   core.Dialer
	Clock    core.Clock
	Self     domain.User
	Manager  app.ManagerConfig
	Pipeline app.PipelineConfig
	Router   app.RouterConfig
	Metrics  *telemetry.Metrics
	// NewID generates client message and request ids.
	NewID func() string
}

type Orchestrator struct {
	Conn     *app.ConnManager
	Registry *app.Registry
	Router   *app.Router
	Store    *app.Store
	Pipeline *app.Pipeline

	clock core.Clock
}

func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Pipeline.OutboxCapacity <= 0 {
		opts.Pipeline.OutboxCapacity = defaultOutboxCapacity
	}

	store := app.NewStore(opts.Self.ID)
	conn := app.NewConnManager(opts.Dialer, opts.Clock, opts.Manager, opts.Metrics)
	registry := app.NewRegistry(conn, store, opts.Clock, opts.NewID, opts.Pipeline.OutboxCapacity, opts.Pipeline.ResumeDelay)
	pipeline := app.NewPipeline(store, conn, opts.Clock, opts.NewID, opts.Self, opts.Pipeline, opts.Metrics)
	router := app.NewRouter(store, registry, pipeline, conn, opts.Clock, opts.Router, opts.Metrics)

	conn.OnFrame(router.HandleFrame)
	conn.OnStateChange(registry.OnStateChange)
	conn.OnStateChange(pipeline.OnStateChange)
	// Rooms are joined again before queued messages go out.
	conn.OnConnected(registry.Replay)
	registry.OnReplayed(pipeline.Flush)

	return &Orchestrator{
		Conn:     conn,
		Registry: registry,
		Router:   router,
		Store:    store,
		Pipeline: pipeline,
		clock:    opts.Clock,
	}
}

// Connect starts the session. Only credential problems are returned;
// transport failures show up as state changes and are retried.
func (o *Orchestrator) Connect(ctx context.Context, credential string) error {
	if id, err := auth.Check(credential, o.clock.Now()); err == nil && id.UserID != "" {
		u, err := domain.NewUser(string(id.UserID), id.DisplayName)
		if err == nil {
			o.Pipeline.SetSelf(u)
		}
	}
	return o.Conn.Connect(ctx, credential)
}

func (o *Orchestrator) Disconnect() { o.Conn.Disconnect() }

func (o *Orchestrator) Reconnect(ctx context.Context) error { return o.Conn.Reconnect(ctx) }

func (o *Orchestrator) State() core.ConnectionState { return o.Conn.State() }

func (o *Orchestrator) OnStateChange(fn func(app.StateChange)) func() {
	return o.Conn.OnStateChange(fn)
}

// SendMessage returns the optimistic pending message.
func (o *Orchestrator) SendMessage(req app.SendRequest) (domain.Message, error) {
	return o.Pipeline.Send(req)
}

func (o *Orchestrator) RetryMessage(clientID string) (domain.Message, error) {
	return o.Pipeline.Retry(clientID)
}

func (o *Orchestrator) MarkRead(id domain.MessageID) error { return o.Router.MarkRead(id) }

func (o *Orchestrator) OnMessage(fn func(app.MessageEvent)) func() {
	return o.Store.OnMessage(app.AllRooms, fn)
}

func (o *Orchestrator) OnRoomHistory(fn func(app.HistoryEvent)) func() {
	return o.Store.OnRoomHistory(app.AllRooms, fn)
}

func (o *Orchestrator) OnRoomUpdate(fn func(app.RoomEvent)) func() {
	return o.Store.OnRoomUpdate(app.AllRooms, fn)
}

// Status is a point-in-time view of the session health.
type Status struct {
	State         core.ConnectionState     `json:"state"`
	LastError     string                   `json:"last_error,omitempty"`
	Retries       int                      `json:"retries"`
	Queued        int                      `json:"queued"`
	Receipts      int                      `json:"buffered_receipts"`
	Self          domain.UserID            `json:"self,omitempty"`
	Subscriptions map[domain.RoomID]string `json:"subscriptions"`
}

func (o *Orchestrator) Status() Status {
	st := Status{
		State:         o.Conn.State(),
		Retries:       o.Conn.Retries(),
		Queued:        o.Pipeline.Queued(),
		Receipts:      o.Router.Buffered(),
		Self:          o.Conn.Identity().UserID,
		Subscriptions: o.Registry.Subscriptions(),
	}
	if err := o.Conn.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Close disconnects and waits for queued listener callbacks.
func (o *Orchestrator) Close() {
	o.Conn.Disconnect()
	o.Store.Wait()
	log.Info().Str("module", "app.orch").Msg("closed")
}

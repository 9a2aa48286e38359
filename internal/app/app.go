package app

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"voxsynq/internal/retention"
	"voxsynq/pkg/call"
	"voxsynq/pkg/config"
	"voxsynq/pkg/logger"
	"voxsynq/pkg/models"
	"voxsynq/pkg/pipeline"
	"voxsynq/pkg/signal"
	"voxsynq/pkg/state"
	"voxsynq/pkg/store"
	"voxsynq/pkg/telemetry"
	"voxsynq/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.Effective
	version   string
	commit    string
	buildDate string

	store *store.Store
	hub   *signal.Hub
	pipe  *pipeline.Pipeline
	calls *call.Registry

	srv  *httpServer
	stop chan struct{}
}

// New initializes resources that do not require a running context: the
// state dirs, the pebble store, content limits, and the boot-time
// demotion of orphaned Pending messages. Call Run to start the hub,
// pipeline, registry and HTTP server and block until shutdown.
func New(eff config.Effective, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	validation.SetMaxContentBytes(eff.Config.Chat.MaxContentBytes.Int64())
	pipeline.SetMaxPooledBuffer(int(eff.Config.Queue.MaxPooledBufferBytes.Int64()))

	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to prepare state dirs at %s: %w", eff.DBPath, err)
	}
	st, err := store.Open(state.PathsVar.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", eff.DBPath, err)
	}

	// a Pending message that survived a restart will never get its ack
	if n, err := st.FailPending(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to demote pending messages: %w", err)
	} else if n > 0 {
		logger.Info("boot_pending_demoted", "count", n)
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		store:     st,
		stop:      make(chan struct{}),
	}
	a.hub = signal.NewHub(eff.Config.Security.RateLimit.RPS, eff.Config.Security.RateLimit.Burst)
	a.pipe = pipeline.New(st, a.network(), a.hub, pipeline.Options{
		AckTimeout:         eff.Config.Chat.AckTimeout.Duration(),
		FlushRetryInterval: eff.Config.Chat.FlushRetryInterval.Duration(),
		QueueCapacity:      eff.Config.Queue.Capacity,
	})
	a.calls = call.NewRegistry(a.hub, st, eff.Config.Call.RingTimeout.Duration())
	a.wire()
	return a, nil
}

// network is the delivery hop between the durable log and the
// recipient's connection. Offline recipients still ack: they catch up
// from the log, and the Delivered receipt arrives when their client
// ingests the push.
func (a *App) network() pipeline.Network {
	return pipeline.NetworkFunc(func(ctx context.Context, conversationKey string, msg models.Message) (pipeline.ServerAck, error) {
		select {
		case <-ctx.Done():
			return pipeline.ServerAck{}, ctx.Err()
		default:
		}
		a.hub.PushMessage(msg.Recipient, msg)
		return pipeline.ServerAck{ServerID: "srv-" + msg.ID}, nil
	})
}

// wire connects the hub's inbound envelopes to the call registry and
// the receipt path, and pushes message state changes to the sender.
func (a *App) wire() {
	a.hub.OnEnvelope(func(env models.Envelope) {
		if env.Type.IsCallSignal() {
			a.calls.HandleEnvelope(env)
			return
		}
		a.pipe.HandleReceipt(env)
	})
	a.pipe.Subscribe(func(m models.Message) {
		// the recipient got the message via the delivery hop; status
		// changes go back to the sender's connection
		a.hub.PushMessage(m.Sender, m)
	})
}

// Run starts the background loops and the HTTP server, and blocks until
// ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	go a.hub.Run(a.stop)
	a.pipe.Start()
	a.calls.Start()

	retCancel, err := retention.Start(ctx, a.eff, a.store)
	if err != nil {
		return err
	}
	defer retCancel()

	monCancel := telemetry.StartStoreMonitor(ctx, a.store, 10*time.Second)
	defer monCancel()

	a.printBanner()

	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.shutdown()
		return err
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.srv != nil {
		_ = a.srv.Shutdown(shCtx)
	}
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	close(a.stop)
	a.calls.Stop()
	a.pipe.Stop()
	if err := a.store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("shutdown_complete")
}

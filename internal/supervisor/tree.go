// Package supervisor runs the long-lived parts of the service under a
// suture tree so a crashed worker is restarted instead of taking the
// process down.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"pricebook-sync-service/internal/logger"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has two layers: sync (workers, scheduler, retry drain, change
// listener) and api (HTTP). A sync failure never stops the API.
type Tree struct {
	root *suture.Supervisor
	sync *suture.Supervisor
	api  *suture.Supervisor
}

func NewTree(cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay <= 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = eventHook(logger.Named("supervisor"))

	t := &Tree{
		root: suture.New("pricebook-sync", rootSpec),
		sync: suture.New("sync-layer", spec),
		api:  suture.New("api-layer", spec),
	}
	t.root.Add(t.sync)
	t.root.Add(t.api)
	return t
}

func (t *Tree) AddSyncService(svc suture.Service) suture.ServiceToken {
	return t.sync.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

func eventHook(log *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		fields := []zap.Field{zap.Any("details", e.Map())}
		switch e.(type) {
		case suture.EventServicePanic:
			log.Error("Service panicked", fields...)
		case suture.EventServiceTerminate:
			log.Warn("Service terminated", fields...)
		case suture.EventBackoff:
			log.Warn("Supervisor backing off", fields...)
		case suture.EventResume:
			log.Info("Supervisor resumed", fields...)
		case suture.EventStopTimeout:
			log.Error("Service did not stop in time", fields...)
		default:
			log.Info(e.String(), fields...)
		}
	}
}

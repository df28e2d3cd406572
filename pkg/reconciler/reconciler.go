package reconciler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/storage"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// Reconciler watches node liveness. A node with no heartbeat for three
// intervals goes offline; its tasks keep their statuses because they may
// still be running on a disconnected island.
type Reconciler struct {
	store     storage.Store
	overlay   *overlay.HostManager
	broker    *events.Broker
	interval  time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
}

// New creates a reconciler. overlay may be nil in tests.
func New(store storage.Store, ov *overlay.HostManager, broker *events.Broker, heartbeatInterval time.Duration) *Reconciler {
	return &Reconciler{
		store:    store,
		overlay:  ov,
		broker:   broker,
		interval: heartbeatInterval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("Reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// Reconcile performs one cycle.
func (r *Reconciler) Reconcile() error {
	nodes, err := r.store.ListNodes()
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	now := time.Now()
	deadline := 3 * r.interval
	online, offline := 0, 0
	for _, node := range nodes {
		if now.Sub(node.LastHeartbeat) > deadline {
			offline++
			if node.Status != types.NodeOffline {
				r.logger.Warn().
					Str("hostname", node.Hostname).
					Dur("silent_for", now.Sub(node.LastHeartbeat)).
					Msg("Node offline")
				node.Status = types.NodeOffline
				if err := r.store.UpdateNode(node); err != nil {
					r.logger.Error().Err(err).Str("hostname", node.Hostname).Msg("Failed to mark node offline")
					continue
				}
				if r.overlay != nil {
					r.overlay.MarkInactive(node.Hostname)
				}
				r.broker.Publish(&events.Event{Type: events.EventNodeOffline, Hostname: node.Hostname})
			}
		} else {
			online++
		}
	}
	metrics.NodesTotal.WithLabelValues(string(types.NodeOnline)).Set(float64(online))
	metrics.NodesTotal.WithLabelValues(string(types.NodeOffline)).Set(float64(offline))
	return nil
}

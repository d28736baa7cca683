package cas

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/log"
	"github.com/nexus-kernel/nexus/pkg/metrics"
)

// Sweeper periodically reclaims blobs whose ContentChunk refcount has sat
// at zero for longer than the configured grace period, on a fixed-interval
// background loop.
type Sweeper struct {
	engine      *Engine
	gracePeriod time.Duration
	sweepEvery  time.Duration
	stopCh      chan struct{}
}

// NewSweeper builds a GC sweeper over engine.
func NewSweeper(engine *Engine, gracePeriod, sweepEvery time.Duration) *Sweeper {
	return &Sweeper{
		engine:      engine,
		gracePeriod: gracePeriod,
		sweepEvery:  sweepEvery,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the sweep loop in the background.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(context.Background()); err != nil {
				log.Error("cas gc sweep failed: " + err.Error())
			}
		case <-s.stopCh:
			return
		}
	}
}

// Sweep scans for zero-refcount chunks past the grace period and deletes
// their ObjectStore blob, then their ContentChunk entry.
func (s *Sweeper) Sweep(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CASGCSweepDuration)

	it, err := s.engine.ms.PrefixScan(ctx, []byte("cas/chunk/"), nil, 0)
	if err != nil {
		return err
	}
	defer it.Close()

	cutoff := time.Now().Add(-s.gracePeriod)
	var deleted int

	for {
		kv, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		var chunk kernel.ContentChunk
		if err := json.Unmarshal(kv.Value, &chunk); err != nil {
			continue
		}
		if chunk.Refcount != 0 || chunk.ZeroedAt.IsZero() || chunk.ZeroedAt.After(cutoff) {
			continue
		}

		if err := s.engine.os.Delete(ctx, blobKey(chunk.ContentHash)); err != nil && !kernel.IsNotFound(err) {
			log.Error("cas gc: delete blob failed: " + err.Error())
			continue
		}
		if err := s.engine.ms.Delete(ctx, kv.Key, ""); err != nil && !kernel.IsNotFound(err) {
			log.Error("cas gc: delete chunk entry failed: " + err.Error())
			continue
		}
		deleted++
		metrics.CASGCBlobsDeletedTotal.Inc()
	}

	log.WithComponent("cas-gc").Info().Int("deleted", deleted).Msg("sweep complete")
	return nil
}

package history

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Pruner deletes history entries older than the retention window on a cron
// schedule.
type Pruner struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
}

// NewPruner schedules pruning per the cron expression ("@hourly" style
// descriptors are accepted).
func NewPruner(store *Store, schedule string, retention time.Duration) (*Pruner, error) {
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	p := &Pruner{
		store:     store,
		retention: retention,
		cron:      cron.New(),
	}

	if _, err := p.cron.AddFunc(schedule, p.runOnce); err != nil {
		return nil, fmt.Errorf("parsing prune schedule %q: %w", schedule, err)
	}

	return p, nil
}

// Start begins the schedule.
func (p *Pruner) Start() {
	p.cron.Start()
	log.Debug().Dur("retention", p.retention).Msg("History pruner started")
}

// Stop halts the schedule, waiting for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}

func (p *Pruner) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := p.store.DeleteOlderThan(ctx, p.retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune invocation history")
		return
	}
	if deleted > 0 {
		log.Debug().Int64("deleted", deleted).Msg("Pruned invocation history")
	}
}

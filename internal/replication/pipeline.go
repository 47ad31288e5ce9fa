// Package replication drives a replica store from the primary's durable
// event feed. One pipeline goroutine owns the replica's write side.
//
// Steady state is incremental: poll events past the consumer cursor, apply
// them, advance the cursor. A periodic full snapshot pull bounds staleness
// after missed events, and a cold start (the primary forgot our consumer)
// clears the replica and rebuilds from scratch.
package replication

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"confmesh/internal/replica"
	"confmesh/internal/types"
)

// Source is the primary-store surface the pipeline consumes.
type Source interface {
	CreateConsumer(ctx context.Context) (*types.Consumer, error)
	GetConsumer(ctx context.Context, id uuid.UUID) (*types.Consumer, error)
	PollEvents(ctx context.Context, consumerID uuid.UUID, limit int) ([]types.ConfigEvent, error)
	AdvanceConsumer(ctx context.Context, consumerID uuid.UUID, seq int64) error
	TouchConsumer(ctx context.Context, consumerID uuid.UUID) error
	CleanupConsumers(ctx context.Context, idleCutoff time.Duration) (int64, error)
	DumpConfigs(ctx context.Context, afterID uuid.UUID, limit int) ([]types.ConfigReplica, error)
	FetchConfigReplicas(ctx context.Context, ids []uuid.UUID) ([]types.ConfigReplica, error)
}

// Options tune the pipeline cadence. Zero values take the defaults.
type Options struct {
	// PullInterval is the period between full snapshot pulls.
	PullInterval time.Duration
	// StepInterval is the period between incremental event polls.
	StepInterval time.Duration
	// StepEvents caps events applied per poll.
	StepEvents int
	// DumpBatch is the snapshot pull page size.
	DumpBatch int
	// IdleCutoff is how long a consumer may go unused before the primary
	// may garbage-collect it.
	IdleCutoff time.Duration
}

func (o *Options) fill() {
	if o.PullInterval <= 0 {
		o.PullInterval = 5 * time.Minute
	}
	if o.StepInterval <= 0 {
		o.StepInterval = 100 * time.Millisecond
	}
	if o.StepEvents <= 0 {
		o.StepEvents = 1000
	}
	if o.DumpBatch <= 0 {
		o.DumpBatch = 1000
	}
	if o.IdleCutoff <= 0 {
		o.IdleCutoff = 24 * time.Hour
	}
}

// touchInterval is how often liveness is reported on an idle feed.
const touchInterval = 30 * time.Second

// cleanupEveryNPulls spaces consumer garbage collection so only an
// occasional pull pays for it.
const cleanupEveryNPulls = 128

// Pipeline replicates the primary's config set into a replica store.
type Pipeline struct {
	src    Source
	rep    *replica.Store
	opts   Options
	logger *zap.Logger

	nudge chan struct{}

	consumerID uuid.UUID
	lastTouch  time.Time
	pulls      uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a pipeline over the source and replica.
func New(src Source, rep *replica.Store, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.fill()
	return &Pipeline{
		src:    src,
		rep:    rep,
		opts:   opts,
		logger: logger.Named("replication"),
		nudge:  make(chan struct{}, 1),
	}
}

// Nudge asks the pipeline to poll for events soon instead of waiting for
// the next tick. Safe from any goroutine; extra nudges coalesce.
func (p *Pipeline) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// HandleEvent adapts Nudge to the bus handler signature. The payload itself
// is ignored: the durable feed is the source of truth, the notification
// only shortens the poll latency.
func (p *Pipeline) HandleEvent(types.EventPayload) {
	p.Nudge()
}

// Start brings the replica up to date and launches the background loop.
// The initial sync runs synchronously so callers observe a warm replica.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.ensureConsumer(ctx); err != nil {
		return err
	}
	if err := p.pull(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	return nil
}

// Stop shuts the loop down and waits for it.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

// ensureConsumer resumes the persisted consumer when the primary still
// recognizes it, otherwise cold-starts: clear the replica, register a new
// consumer positioned at the feed head, persist its id.
func (p *Pipeline) ensureConsumer(ctx context.Context) error {
	id, ok, err := p.rep.GetConsumerID()
	if err != nil {
		return err
	}
	if ok {
		if _, err := p.src.GetConsumer(ctx, id); err == nil {
			p.consumerID = id
			p.lastTouch = time.Now()
			return nil
		} else if !errors.Is(err, types.ErrNotFound) {
			return err
		}
		p.logger.Info("consumer expired on primary, cold starting",
			zap.String("consumer", id.String()))
		if err := p.rep.Clear(); err != nil {
			return err
		}
	}

	c, err := p.src.CreateConsumer(ctx)
	if err != nil {
		return err
	}
	if err := p.rep.SetConsumerID(c.ID); err != nil {
		return err
	}
	p.consumerID = c.ID
	p.lastTouch = time.Now()
	p.logger.Info("registered replication consumer", zap.String("consumer", c.ID.String()))
	return nil
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	step := time.NewTicker(p.opts.StepInterval)
	defer step.Stop()
	pull := time.NewTicker(p.opts.PullInterval)
	defer pull.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.nudge:
		case <-step.C:
		case <-pull.C:
			if err := p.pull(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("snapshot pull failed", zap.Error(err))
			}
			continue
		}
		if err := p.step(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, types.ErrNotFound) {
				// The primary garbage-collected our consumer while we
				// were idle. Rebuild from scratch.
				if err := p.recover(ctx); err != nil && ctx.Err() == nil {
					p.logger.Error("cold-start recovery failed", zap.Error(err))
				}
				continue
			}
			p.logger.Warn("replication step failed", zap.Error(err))
		}
	}
}

func (p *Pipeline) recover(ctx context.Context) error {
	if err := p.rep.Clear(); err != nil {
		return err
	}
	if err := p.ensureConsumer(ctx); err != nil {
		return err
	}
	return p.pull(ctx)
}

// step drains the event feed: poll, apply, advance, repeat until a poll
// returns less than a full page.
func (p *Pipeline) step(ctx context.Context) error {
	for {
		events, err := p.src.PollEvents(ctx, p.consumerID, p.opts.StepEvents)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return p.touch(ctx)
		}
		if err := p.apply(ctx, events); err != nil {
			return err
		}
		last := events[len(events)-1].Seq
		if err := p.src.AdvanceConsumer(ctx, p.consumerID, last); err != nil {
			return err
		}
		p.lastTouch = time.Now()
		if len(events) < p.opts.StepEvents {
			return nil
		}
	}
}

// apply folds a batch of events into the replica. Deletes win over earlier
// upserts of the same config within the batch; version monotonicity in the
// replica store absorbs reordering across batches.
func (p *Pipeline) apply(ctx context.Context, events []types.ConfigEvent) error {
	upserts := make(map[uuid.UUID]struct{})
	deletes := make(map[uuid.UUID]struct{})
	for _, e := range events {
		switch e.Kind {
		case types.EventDelete:
			deletes[e.ConfigID] = struct{}{}
			delete(upserts, e.ConfigID)
		case types.EventUpsert:
			if _, gone := deletes[e.ConfigID]; !gone {
				upserts[e.ConfigID] = struct{}{}
			}
		}
	}

	if len(upserts) > 0 {
		ids := make([]uuid.UUID, 0, len(upserts))
		for id := range upserts {
			ids = append(ids, id)
		}
		records, err := p.src.FetchConfigReplicas(ctx, ids)
		if err != nil {
			return err
		}
		// Configs deleted between the event and the fetch are absent from
		// records; their delete event will arrive in a later batch.
		if err := p.rep.UpsertConfigs(records); err != nil {
			return err
		}
		applied.Add(float64(len(records)))
	}
	for id := range deletes {
		if err := p.rep.DeleteConfig(id); err != nil {
			return err
		}
		tombstones.Inc()
	}
	return nil
}

// pull replaces the replica's world view with a fresh snapshot: page the
// full dump, upsert every record, then delete replica configs absent from
// the snapshot.
func (p *Pipeline) pull(ctx context.Context) error {
	seen := make(map[uuid.UUID]struct{})
	after := uuid.Nil
	for {
		page, err := p.src.DumpConfigs(ctx, after, p.opts.DumpBatch)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		if err := p.rep.UpsertConfigs(page); err != nil {
			return err
		}
		for _, rec := range page {
			seen[rec.ID] = struct{}{}
		}
		after = page[len(page)-1].ID
		if len(page) < p.opts.DumpBatch {
			break
		}
	}

	stored, err := p.rep.ListConfigIDs()
	if err != nil {
		return err
	}
	for _, id := range stored {
		if _, ok := seen[id]; !ok {
			if err := p.rep.DeleteConfig(id); err != nil {
				return err
			}
			tombstones.Inc()
		}
	}

	pullsTotal.Inc()
	p.lastTouch = time.Now()
	p.pulls++
	if p.pulls%cleanupEveryNPulls == 0 {
		if removed, err := p.src.CleanupConsumers(ctx, p.opts.IdleCutoff); err != nil {
			p.logger.Warn("consumer cleanup failed", zap.Error(err))
		} else if removed > 0 {
			p.logger.Info("cleaned up idle consumers", zap.Int64("removed", removed))
		}
	}
	return nil
}

// touch reports liveness on an idle feed so the primary does not
// garbage-collect the consumer.
func (p *Pipeline) touch(ctx context.Context) error {
	if time.Since(p.lastTouch) < touchInterval {
		return nil
	}
	if err := p.src.TouchConsumer(ctx, p.consumerID); err != nil {
		return err
	}
	p.lastTouch = time.Now()
	return nil
}

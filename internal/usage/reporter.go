// Package usage aggregates per-session token accounting into the global
// snapshot pushed to every connected client.
package usage

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/store"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// blockSize is the billing block granularity, aligned to the Unix epoch.
const blockSize = 5 * time.Hour

// Emitter receives the assembled snapshot for broadcast.
type Emitter interface {
	EmitGlobal(event any)
}

// Reporter periodically reads the usage sample log and pushes a
// global_usage event to all connections. Clients treat the first snapshot
// after connect as the authoritative baseline.
type Reporter struct {
	store    store.Store
	sink     Emitter
	bus      bus.EventBus
	interval time.Duration
	logger   *logger.Logger

	now func() time.Time
}

func NewReporter(st store.Store, sink Emitter, eventBus bus.EventBus, interval time.Duration, log *logger.Logger) *Reporter {
	return &Reporter{
		store:    st,
		sink:     sink,
		bus:      eventBus,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "usage-reporter")),
		now:      time.Now,
	}
}

// Run emits one snapshot immediately, then one per interval until the
// context is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	r.report(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	event, err := r.Snapshot(ctx)
	if err != nil {
		r.logger.Warn("failed to build usage snapshot", zap.Error(err))
		return
	}
	r.sink.EmitGlobal(event)

	if r.bus != nil {
		busEvent := bus.NewEvent("usage_snapshot", "usage-reporter", map[string]any{
			"inputTokens":  event.Totals.InputTokens,
			"outputTokens": event.Totals.OutputTokens,
		})
		if err := r.bus.Publish(ctx, bus.SubjectUsageSnapshot, busEvent); err != nil {
			r.logger.Warn("failed to publish usage snapshot", zap.Error(err))
		}
	}
}

// Snapshot aggregates the full sample log into totals plus per-day and
// per-block series.
func (r *Reporter) Snapshot(ctx context.Context) (v1.GlobalUsageEvent, error) {
	samples, err := r.store.UsageSamples(ctx, time.Time{})
	if err != nil {
		return v1.GlobalUsageEvent{}, err
	}

	now := r.now().UTC()
	today := now.Format("2006-01-02")

	event := v1.GlobalUsageEvent{Type: v1.EventGlobalUsage}
	days := make(map[string]*v1.UsageTotals)
	blocks := make(map[time.Time]*v1.UsageTotals)

	for _, sample := range samples {
		event.Totals.Add(sample.Totals)

		at := sample.RecordedAt.UTC()
		date := at.Format("2006-01-02")
		if date == today {
			event.Today.Add(sample.Totals)
		}

		if _, ok := days[date]; !ok {
			days[date] = &v1.UsageTotals{}
		}
		days[date].Add(sample.Totals)

		blockStart := at.Truncate(blockSize)
		if _, ok := blocks[blockStart]; !ok {
			blocks[blockStart] = &v1.UsageTotals{}
		}
		blocks[blockStart].Add(sample.Totals)
	}

	event.Daily = make([]v1.DailyUsage, 0, len(days))
	for date, totals := range days {
		event.Daily = append(event.Daily, v1.DailyUsage{Date: date, UsageTotals: *totals})
	}
	sort.Slice(event.Daily, func(i, j int) bool {
		return event.Daily[i].Date < event.Daily[j].Date
	})

	event.Blocks = make([]v1.UsageBlock, 0, len(blocks))
	for start, totals := range blocks {
		event.Blocks = append(event.Blocks, v1.UsageBlock{
			Start:       start,
			End:         start.Add(blockSize),
			UsageTotals: *totals,
		})
	}
	sort.Slice(event.Blocks, func(i, j int) bool {
		return event.Blocks[i].Start.Before(event.Blocks[j].Start)
	})

	return event, nil
}

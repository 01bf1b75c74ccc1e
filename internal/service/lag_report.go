package service

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"
)

// LagReporter logs how far each table checkpoint trails the wall clock.
type LagReporter struct {
	Checkpoints func() map[string]time.Time
	Warn        time.Duration
	Logger      *zap.Logger
	Events      EventReporter

	now func() time.Time
}

type TableLag struct {
	Table      string        `json:"table"`
	Checkpoint time.Time     `json:"checkpoint"`
	Lag        time.Duration `json:"lag"`
	Lagging    bool          `json:"lagging"`
}

// Lags computes the lag of every tracked table in name order.
func (r *LagReporter) Lags() []TableLag {
	if r == nil || r.Checkpoints == nil {
		return nil
	}
	tables := r.Checkpoints()
	if len(tables) == 0 {
		return nil
	}
	now := time.Now().UTC()
	if r.now != nil {
		now = r.now()
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]TableLag, 0, len(names))
	for _, name := range names {
		lag := max(now.Sub(tables[name]), 0)
		out = append(out, TableLag{
			Table:      name,
			Checkpoint: tables[name],
			Lag:        lag,
			Lagging:    r.Warn > 0 && lag > r.Warn,
		})
	}
	return out
}

// Report logs the current lags and forwards lagging tables as one event.
func (r *LagReporter) Report(ctx context.Context) []TableLag {
	lags := r.Lags()
	var lagging []string
	for _, l := range lags {
		if l.Lagging {
			lagging = append(lagging, l.Table)
			if r.Logger != nil {
				r.Logger.Warn("table checkpoint lagging",
					zap.String("table", l.Table),
					zap.Time("checkpoint", l.Checkpoint),
					zap.Duration("lag", l.Lag),
				)
			}
		} else if r.Logger != nil {
			r.Logger.Debug("table checkpoint", zap.String("table", l.Table), zap.Duration("lag", l.Lag))
		}
	}
	if len(lagging) > 0 && r.Events != nil {
		r.Events.Report(ctx, "warn", "table checkpoints lagging", map[string]any{
			"tables": lagging,
			"warn":   r.Warn.String(),
		})
	}
	return lags
}

// Run adapts Report to the cron job signature.
func (r *LagReporter) Run(ctx context.Context) {
	r.Report(ctx)
}

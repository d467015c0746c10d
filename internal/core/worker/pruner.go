package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/chatdigest/internal/core/checkpoint"
	"github.com/vietddude/chatdigest/internal/core/domain"
)

// Pruner deletes finished runs based on retention policy.
type Pruner struct {
	root      string
	retention time.Duration
	now       func() time.Time
}

// NewPruner creates a new Pruner over the runs directory.
func NewPruner(root string, retention time.Duration) *Pruner {
	return &Pruner{
		root:      root,
		retention: retention,
		now:       time.Now,
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune removes runs that are done and were last updated before the
// retention window. Unfinished runs are always kept.
func (p *Pruner) Prune(ctx context.Context) []string {
	if p.retention <= 0 {
		return nil
	}
	threshold := p.now().Add(-p.retention)

	ids, err := checkpoint.List(p.root)
	if err != nil {
		slog.Error("Failed to list runs", "root", p.root, "error", err)
		return nil
	}

	var removed []string
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		run, err := checkpoint.Open(p.root, id)
		if err != nil {
			continue
		}
		st, err := run.LoadState(ctx)
		if err != nil || st.Phase != domain.PhaseDone || !st.UpdatedAt.Before(threshold) {
			continue
		}
		if err := run.Remove(); err != nil {
			slog.Error("Failed to prune run", "run_id", id, "error", err)
			continue
		}
		slog.Info("Pruned run", "run_id", id, "updated_at", st.UpdatedAt)
		removed = append(removed, id)
	}
	return removed
}

package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/queue"
	"github.com/saiset-co/sai-offline/types"
)

// Report describes one flush. Errors are recorded here and never returned.
type Report struct {
	OwnerID     string        `json:"owner_id"`
	Items       int           `json:"items"`
	Set         []int64       `json:"set"`
	Unset       []int64       `json:"unset"`
	UpsertError string        `json:"upsert_error,omitempty"`
	DeleteError string        `json:"delete_error,omitempty"`
	Cleared     bool          `json:"cleared"`
	Retained    int           `json:"retained"`
	Duration    time.Duration `json:"duration"`
}

func (r Report) Failed() bool {
	return r.UpsertError != "" || r.DeleteError != ""
}

// State is the optimistic view of one owner's entities.
type State struct {
	Entities map[int64]bool `json:"entities"`
	Pending  int            `json:"pending"`
	Stale    bool           `json:"stale"`
}

type Reconciler struct {
	queue     *queue.Queue
	scheduler types.Scheduler
	logger    types.Logger
	metrics   types.MetricsManager
	policy    string
}

func New(logger types.Logger, q *queue.Queue, scheduler types.Scheduler, config *types.ReconcilerConfig, metrics types.MetricsManager) *Reconciler {
	policy := types.ClearPolicyAlways
	if config != nil && config.ClearPolicy != "" {
		policy = config.ClearPolicy
	}

	return &Reconciler{
		queue:     q,
		scheduler: scheduler,
		logger:    logger,
		metrics:   metrics,
		policy:    policy,
	}
}

// Flush drains the queue into the remote store: one upsert for every id whose
// final state is set, then one delete for every id whose final state is
// unset. With the "always" policy the queue is cleared even when a remote
// call failed.
func (r *Reconciler) Flush(ctx context.Context, remote types.RemoteStore, ownerID string) Report {
	start := time.Now()
	report := Report{OwnerID: ownerID}

	items := r.queue.ReadAll(ctx)
	report.Items = len(items)

	if len(items) == 0 {
		r.record(report, "empty", start)
		return report
	}

	if ownerID == "" || remote == nil {
		r.logger.Warn("Flush skipped, no owner bound", zap.Int("pending", len(items)))
		report.Retained = len(items)
		r.record(report, "skipped", start)
		return report
	}

	report.Set, report.Unset = Partition(Compact(items))

	if len(report.Set) > 0 {
		rows := make([]types.Row, len(report.Set))
		for i, id := range report.Set {
			rows[i] = types.Row{OwnerID: ownerID, EntityID: id, Flag: true}
		}

		if err := remote.Upsert(ctx, rows); err != nil {
			report.UpsertError = err.Error()
			r.logger.Error("Flush upsert failed",
				zap.String("owner_id", ownerID),
				zap.Int("rows", len(rows)),
				zap.Error(err))
		}
	}

	if len(report.Unset) > 0 {
		if err := remote.Delete(ctx, ownerID, report.Unset); err != nil {
			report.DeleteError = err.Error()
			r.logger.Error("Flush delete failed",
				zap.String("owner_id", ownerID),
				zap.Int("rows", len(report.Unset)),
				zap.Error(err))
		}
	}

	r.settle(ctx, &report, len(items))

	result := "ok"
	if report.Failed() {
		result = "error"
	}

	report.Duration = time.Since(start)
	r.record(report, result, start)

	r.logger.Info("Queue flushed",
		zap.String("owner_id", ownerID),
		zap.Int("items", report.Items),
		zap.Int("set", len(report.Set)),
		zap.Int("unset", len(report.Unset)),
		zap.Int("retained", report.Retained),
		zap.Duration("duration", report.Duration))

	return report
}

// Trigger runs Flush as a detached task.
func (r *Reconciler) Trigger(remote types.RemoteStore, ownerID string) {
	r.scheduler.Go("flush", func(ctx context.Context) {
		r.Flush(ctx, remote, ownerID)
	})
}

// Effective overlays the pending queue on the remote rows. When the remote
// read fails the overlay is built on an empty base and marked stale.
func (r *Reconciler) Effective(ctx context.Context, remote types.RemoteStore, ownerID string) State {
	pending := r.queue.ReadAll(ctx)
	state := State{Entities: make(map[int64]bool), Pending: len(pending)}

	if remote != nil && ownerID != "" {
		rows, err := remote.Select(ctx, ownerID)
		if err != nil {
			state.Stale = true
			r.logger.Debug("Remote select failed, serving queue overlay only", zap.Error(err))
		}
		for _, row := range rows {
			if row.Flag {
				state.Entities[row.EntityID] = true
			}
		}
	} else {
		state.Stale = true
	}

	for id, flag := range Compact(pending) {
		if flag {
			state.Entities[id] = true
		} else {
			delete(state.Entities, id)
		}
	}

	return state
}

func (r *Reconciler) settle(ctx context.Context, report *Report, snapshotLen int) {
	if r.policy != types.ClearPolicyApplied {
		r.queue.Clear(ctx)
		report.Cleared = true
		return
	}

	failed := make(Compaction)
	if report.UpsertError != "" {
		for _, id := range report.Set {
			failed[id] = true
		}
	}
	if report.DeleteError != "" {
		for _, id := range report.Unset {
			failed[id] = false
		}
	}

	r.queue.Retain(ctx, snapshotLen, func(item queue.Item) bool {
		state, ok := failed[item.EntityID]
		return ok && state == item.State
	})

	report.Retained = len(r.queue.ReadAll(ctx))
	report.Cleared = report.Retained == 0
}

func (r *Reconciler) record(report Report, result string, start time.Time) {
	if r.metrics == nil {
		return
	}

	r.metrics.Counter("reconciler_flushes_total", map[string]string{"result": result}).Inc()
	r.metrics.Counter("reconciler_rows_total", map[string]string{"operation": "upsert"}).Add(float64(len(report.Set)))
	r.metrics.Counter("reconciler_rows_total", map[string]string{"operation": "delete"}).Add(float64(len(report.Unset)))
	r.metrics.Histogram("reconciler_flush_duration_seconds", nil, nil).ObserveDuration(start)
}

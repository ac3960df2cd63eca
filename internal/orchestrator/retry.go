package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/compliance"
)

// logCompliance writes the audit entry for a completed operation. A write
// failure never fails the run: it becomes a warning and the record is
// queued for RetryPendingLogs.
func (o *Orchestrator) logCompliance(ctx context.Context, r *run, rec compliance.ProcessingRecord) {
	entry, err := o.audit.LogProcessing(ctx, rec)
	if err != nil {
		o.logger.Warn("Compliance log failed, queued for retry",
			zap.String("operation_id", r.res.OperationID),
			zap.String("action", rec.Action),
			zap.Error(err),
		)
		r.res.ComplianceChecks[CheckAudit] = false
		r.res.Warnings = append(r.res.Warnings, MsgAuditQueued)
		r.span.AddEvent("compliance_log_deferred")
		o.enqueue(rec)
		return
	}
	r.res.ComplianceChecks[CheckAudit] = true
	o.telemetry.RecordComplianceEntry(string(entry.Category), entry.Violations)
}

func (o *Orchestrator) enqueue(rec compliance.ProcessingRecord) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	if len(o.pending) >= o.config.MaxPendingLogs {
		dropped := o.pending[0]
		o.pending = o.pending[1:]
		o.logger.Error("Audit retry queue full, dropping oldest record",
			zap.String("action", dropped.Action),
			zap.String("user_id", dropped.UserID),
		)
	}
	o.pending = append(o.pending, rec)
	o.telemetry.SetPendingAuditRetries(len(o.pending))
}

// PendingLogs reports how many audit records wait for a retry.
func (o *Orchestrator) PendingLogs() int {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	return len(o.pending)
}

// RetryPendingLogs replays queued audit records in order. Records that fail
// again stay queued. It returns how many were written and how many remain.
func (o *Orchestrator) RetryPendingLogs(ctx context.Context) (int, int) {
	o.pendingMu.Lock()
	batch := o.pending
	o.pending = nil
	o.pendingMu.Unlock()

	if len(batch) == 0 {
		return 0, 0
	}

	var failed []compliance.ProcessingRecord
	written := 0
	for i, rec := range batch {
		if ctx.Err() != nil {
			failed = append(failed, batch[i:]...)
			break
		}
		entry, err := o.audit.LogProcessing(ctx, rec)
		if err != nil {
			failed = append(failed, rec)
			continue
		}
		written++
		o.telemetry.RecordComplianceEntry(string(entry.Category), entry.Violations)
	}

	o.pendingMu.Lock()
	// Records queued during the retry go after the ones that failed again.
	o.pending = append(failed, o.pending...)
	if over := len(o.pending) - o.config.MaxPendingLogs; over > 0 {
		o.pending = o.pending[over:]
	}
	remaining := len(o.pending)
	o.pendingMu.Unlock()

	o.telemetry.SetPendingAuditRetries(remaining)
	if written > 0 || len(failed) > 0 {
		o.logger.Info("Audit retry pass complete",
			zap.Int("written", written),
			zap.Int("failed", len(failed)),
			zap.Int("remaining", remaining),
		)
	}
	return written, remaining
}

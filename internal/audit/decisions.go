// Package audit records the runner's side-effecting decisions, such as how a
// credential was obtained or why a job was cancelled.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/hatchway/runner/internal/store"
)

// Actions recorded by the runner.
const (
	ActionCredentialResolved = "credential_resolved"
	ActionRelogin            = "relogin"
	ActionJobCancel          = "job_cancel"
	ActionShutdown           = "shutdown"
)

// Writer writes decision records for audit trails. A nil *Writer drops
// records.
type Writer struct {
	store  *store.Store
	logger *slog.Logger
}

// NewWriter creates a new decision writer.
func NewWriter(s *store.Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: s, logger: logger}
}

// Record writes a decision entry. Failures are logged, never returned:
// the audit trail is best-effort.
func (w *Writer) Record(ctx context.Context, action string, inputs interface{}, outcome, jobID, details string) {
	if w == nil || w.store == nil {
		return
	}
	if _, err := w.store.WriteDecision(ctx, action, hashInputs(inputs), outcome, jobID, details); err != nil {
		w.logger.Warn("failed to record decision", "action", action, "error", err)
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Package audit maintains a per-job hash-chained ledger of workflow
// events. Every state transition and external call outcome is appended
// as an immutable event whose hash covers the previous event's hash, so
// any later alteration or removal is detectable by Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"acp-orchestrator/internal/repository"
	"acp-orchestrator/pkg/models"
)

// ErrChainCorrupted is returned by Verify when a stored event does not
// match the recomputed chain.
var ErrChainCorrupted = errors.New("audit chain corrupted")

// genesisHash is the prev_hash of the first event in every chain.
const genesisHash = ""

// Ledger appends and verifies per-job audit chains.
type Ledger struct {
	store repository.AuditStore
	now   func() time.Time
}

// NewLedger creates a Ledger over the given store.
func NewLedger(store repository.AuditStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock replaces the ledger's clock. Tests only.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append records one event for the job and returns the new chain head
// hash. payload is marshalled to JSON; map keys are sorted by the
// encoder, so the stored bytes are deterministic and Verify can recompute
// the exact hash.
func (l *Ledger) Append(ctx context.Context, jobID, eventType string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal audit payload: %w", err)
	}

	last, err := l.store.LastEvent(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("load chain head: %w", err)
	}

	prevHash := genesisHash
	seq := 1
	if last != nil {
		prevHash = last.ThisHash
		seq = last.SequenceNo + 1
	}

	recordedAt := l.now().UTC()
	ev := &models.AuditEvent{
		JobID:      jobID,
		SequenceNo: seq,
		EventType:  eventType,
		Payload:    data,
		PrevHash:   prevHash,
		ThisHash:   chainHash(prevHash, data, recordedAt),
		RecordedAt: recordedAt,
	}

	if err := l.store.AppendEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("append audit event: %w", err)
	}
	return ev.ThisHash, nil
}

// Verify recomputes the job's chain from genesis and confirms no event
// was altered, removed or reordered. Volumes are dozens of events per
// job, so a full ordered scan is fine.
func (l *Ledger) Verify(ctx context.Context, jobID string) error {
	events, err := l.store.ListEvents(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list audit events: %w", err)
	}

	prevHash := genesisHash
	for i, ev := range events {
		if ev.SequenceNo != i+1 {
			return fmt.Errorf("%w: job %s: gap at sequence %d", ErrChainCorrupted, jobID, i+1)
		}
		if ev.PrevHash != prevHash {
			return fmt.Errorf("%w: job %s: broken link at sequence %d", ErrChainCorrupted, jobID, ev.SequenceNo)
		}
		if expected := chainHash(prevHash, ev.Payload, ev.RecordedAt); ev.ThisHash != expected {
			return fmt.Errorf("%w: job %s: hash mismatch at sequence %d", ErrChainCorrupted, jobID, ev.SequenceNo)
		}
		prevHash = ev.ThisHash
	}
	return nil
}

// Events returns the full ordered chain for operator inspection.
func (l *Ledger) Events(ctx context.Context, jobID string) ([]*models.AuditEvent, error) {
	return l.store.ListEvents(ctx, jobID)
}

func chainHash(prevHash string, payload []byte, recordedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	h.Write([]byte(recordedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

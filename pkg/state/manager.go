// Package state captures and restores per-statement variable snapshots and
// cached call results for deterministic replay.
package state

import (
	"time"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// CheckpointFunc receives the full snapshot list whenever the checkpoint
// interval elapses. Checkpoint frequency is a durability knob only; replay
// correctness never depends on it.
type CheckpointFunc func(snapshots []models.StatementSnapshot)

// Manager owns the statement snapshots of one execution. Writes are serial
// and append-only; a statement ID is recorded at most once (the first
// completion wins, so loop bodies do not accumulate duplicates).
type Manager struct {
	snapshots []models.StatementSnapshot
	index     map[uint32]int

	checkpointEvery int
	sinceCheckpoint int
	onCheckpoint    CheckpointFunc

	now func() time.Time
}

// New creates a state manager. Loaded snapshots (from a resumed record) seed
// the replay check: statements already captured are verified, not re-captured.
func New(loaded []models.StatementSnapshot, checkpointEvery int, onCheckpoint CheckpointFunc) *Manager {
	m := &Manager{
		snapshots:       append([]models.StatementSnapshot(nil), loaded...),
		index:           make(map[uint32]int, len(loaded)),
		checkpointEvery: checkpointEvery,
		onCheckpoint:    onCheckpoint,
		now:             time.Now,
	}
	for i, snap := range m.snapshots {
		m.index[snap.StatementID] = i
	}
	return m
}

// OnStatement records the variable environment at a statement boundary. Under
// replay (the snapshot already exists) it is a no-op.
func (m *Manager) OnStatement(id uint32, variables map[string]*models.SerializedValue) {
	if _, ok := m.index[id]; ok {
		return
	}
	m.index[id] = len(m.snapshots)
	m.snapshots = append(m.snapshots, models.StatementSnapshot{
		StatementID: id,
		Variables:   variables,
		Timestamp:   m.now(),
	})
	m.maybeCheckpoint()
}

// RecordResult attaches a call-site result to the statement's snapshot,
// creating the snapshot when the statement hook did not fire first.
func (m *Manager) RecordResult(id uint32, result *models.SerializedValue) {
	if i, ok := m.index[id]; ok {
		if m.snapshots[i].Result == nil {
			m.snapshots[i].Result = result
		}
		return
	}
	m.index[id] = len(m.snapshots)
	m.snapshots = append(m.snapshots, models.StatementSnapshot{
		StatementID: id,
		Result:      result,
		Timestamp:   m.now(),
	})
	m.maybeCheckpoint()
}

// Has reports whether a snapshot exists for the statement.
func (m *Manager) Has(id uint32) bool {
	_, ok := m.index[id]
	return ok
}

// Lookup returns the memoized result for a statement, if any. This is the
// short-circuit consulted before re-executing deterministic server-side calls.
func (m *Manager) Lookup(id uint32) (*models.SerializedValue, bool) {
	i, ok := m.index[id]
	if !ok || m.snapshots[i].Result == nil {
		return nil, false
	}
	return m.snapshots[i].Result, true
}

// Snapshots returns the snapshots in execution order.
func (m *Manager) Snapshots() []models.StatementSnapshot {
	return m.snapshots
}

func (m *Manager) maybeCheckpoint() {
	if m.onCheckpoint == nil || m.checkpointEvery <= 0 {
		return
	}
	m.sinceCheckpoint++
	if m.sinceCheckpoint >= m.checkpointEvery {
		m.sinceCheckpoint = 0
		m.onCheckpoint(m.snapshots)
	}
}

package sequencer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// BatchCollectError signals that a pause-candidate call inside a batch scope
// was deferred into the pending batch instead of pausing immediately. The
// bridge unwinds the current sub-task and moves on to the next.
type BatchCollectError struct {
	SubID string
	Seq   uint32
}

func (e *BatchCollectError) Error() string {
	return fmt.Sprintf("deferred into batch as %s (seq %d)", e.SubID, e.Seq)
}

type batchState struct {
	items []models.BatchItem
}

func (b *batchState) collect(record models.CallbackRecord) error {
	subID := "sub_" + uuid.NewString()[:8]
	b.items = append(b.items, models.BatchItem{
		SubID:     subID,
		Seq:       record.Seq,
		Kind:      record.Kind,
		Operation: record.Operation,
		Payload:   record.Payload,
	})
	return &BatchCollectError{SubID: subID, Seq: record.Seq}
}

// BeginBatch opens a batch scope. Pause-candidate calls that would pause are
// collected instead; calls satisfied by replay return normally.
func (s *Sequencer) BeginBatch() {
	s.batch = &batchState{}
}

// EndBatch closes the batch scope. When any calls were collected it returns
// the single pending record covering all of them; replay-satisfied batches
// return nil and execution proceeds.
func (s *Sequencer) EndBatch() *models.CallbackRecord {
	b := s.batch
	s.batch = nil
	if b == nil || len(b.items) == 0 {
		return nil
	}
	return &models.CallbackRecord{
		Seq:       b.items[0].Seq,
		Kind:      b.items[0].Kind,
		Operation: "batch",
		Batch:     b.items,
		Timestamp: s.now(),
	}
}

// InBatch reports whether a batch scope is open.
func (s *Sequencer) InBatch() bool { return s.batch != nil }

// Package sequencer assigns monotonic sequence numbers to pausing operations
// and satisfies them from the replay map or by requesting a pause.
//
// The determinism contract: identical transformed code plus an identical
// ordered replay map produces identical control flow up to the first
// unresolved sequence number.
package sequencer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// Mode selects fresh execution or deterministic replay.
type Mode int

// Sequencer modes.
const (
	ModeFresh Mode = iota
	ModeReplay
)

// PauseError signals that user code must suspend: the sandbox is torn down
// and the pending record persisted. It is not a failure.
type PauseError struct {
	Record *models.CallbackRecord
}

func (e *PauseError) Error() string {
	return fmt.Sprintf("execution paused at seq %d", e.Record.Seq)
}

// ToolError is a replayed tagged error; the bridge re-throws it inside user
// code, which may catch it.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string { return e.Message }

// DivergenceError reports that a resume failed to re-reach its pause site.
// This is fatal: it indicates code-transform instability.
type DivergenceError struct {
	Seq    uint32
	Reason string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("replay divergence at seq %d: %s", e.Seq, e.Reason)
}

// Sequencer serializes all pause-candidate calls of one execution. User code
// is single-threaded, so no locking is needed.
type Sequencer struct {
	mode    Mode
	nextSeq uint32
	replay  map[uint32]models.CallbackRecord

	// history accumulates resolved records in execution order, including
	// replayed ones, so the full history can be re-persisted on the next
	// pause.
	history []models.CallbackRecord
	batch   *batchState

	now func() time.Time
}

// New creates a fresh-mode sequencer.
func New() *Sequencer {
	return &Sequencer{mode: ModeFresh, replay: map[uint32]models.CallbackRecord{}, now: time.Now}
}

// NewReplay creates a replay-mode sequencer over an expanded replay map.
func NewReplay(replay map[uint32]models.CallbackRecord) *Sequencer {
	return &Sequencer{mode: ModeReplay, replay: replay, now: time.Now}
}

// Call allocates the next sequence number and either satisfies it from the
// replay map or requests a pause. The returned error is one of:
// *ToolError (replayed error, throw in user code), *PauseError (suspend),
// *DivergenceError (fatal), or a batch-collect sentinel during batching.
func (s *Sequencer) Call(kind models.CallbackKind, operation string, payload any) (json.RawMessage, error) {
	seq := s.nextSeq
	s.nextSeq++

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`null`)
	}

	if rec, ok := s.replay[seq]; ok {
		if rec.Kind != kind || rec.Operation != operation {
			return nil, &DivergenceError{
				Seq:    seq,
				Reason: fmt.Sprintf("recorded %s/%s, replayed %s/%s", rec.Kind, rec.Operation, kind, operation),
			}
		}
		s.history = append(s.history, rec)
		if rec.Result != nil && rec.Result.IsError {
			return nil, &ToolError{Message: rec.Result.Message}
		}
		if rec.Result == nil {
			return nil, &DivergenceError{Seq: seq, Reason: "replay entry has no result"}
		}
		return rec.Result.Value, nil
	}

	record := models.CallbackRecord{
		Seq:       seq,
		Kind:      kind,
		Operation: operation,
		Payload:   raw,
		Timestamp: s.now(),
	}

	if s.batch != nil {
		return nil, s.batch.collect(record)
	}
	return nil, &PauseError{Record: &record}
}

// History returns the resolved records consumed so far, in execution order.
func (s *Sequencer) History() []models.CallbackRecord {
	return s.history
}

// NextSeq returns the next sequence number to be allocated.
func (s *Sequencer) NextSeq() uint32 { return s.nextSeq }

// UnconsumedReplay reports whether replay entries remain that user code never
// re-requested. A completed run with leftovers means control flow diverged
// from the recorded history.
func (s *Sequencer) UnconsumedReplay() bool {
	for seq := range s.replay {
		if seq >= s.nextSeq {
			return true
		}
	}
	return false
}

// ExpandHistory flattens a callback history into a per-sequence replay map,
// fanning batched records out into one entry per sub-call.
func ExpandHistory(history []models.CallbackRecord) (map[uint32]models.CallbackRecord, error) {
	replay := make(map[uint32]models.CallbackRecord, len(history))
	for _, rec := range history {
		if !rec.IsBatch() {
			if _, dup := replay[rec.Seq]; dup {
				return nil, fmt.Errorf("duplicate sequence number %d in history", rec.Seq)
			}
			replay[rec.Seq] = rec
			continue
		}
		results, err := decodeBatchResults(rec.Result)
		if err != nil {
			return nil, fmt.Errorf("batch record seq %d: %w", rec.Seq, err)
		}
		for _, item := range rec.Batch {
			value, ok := results[item.SubID]
			if !ok {
				return nil, fmt.Errorf("batch record seq %d: no result for sub_id %s", rec.Seq, item.SubID)
			}
			if _, dup := replay[item.Seq]; dup {
				return nil, fmt.Errorf("duplicate sequence number %d in batch", item.Seq)
			}
			replay[item.Seq] = models.CallbackRecord{
				Seq:       item.Seq,
				Kind:      item.Kind,
				Operation: item.Operation,
				Payload:   item.Payload,
				Result:    value,
				Timestamp: rec.Timestamp,
			}
		}
	}
	return replay, nil
}

// decodeBatchResults unpacks the stored batch result list keyed by sub_id.
func decodeBatchResults(result *models.CallbackResult) (map[string]*models.CallbackResult, error) {
	if result == nil {
		return nil, fmt.Errorf("batch record has no result")
	}
	var items []models.BatchResult
	if err := json.Unmarshal(result.Value, &items); err != nil {
		return nil, fmt.Errorf("decoding batch results: %w", err)
	}
	out := make(map[string]*models.CallbackResult, len(items))
	for _, item := range items {
		out[item.SubID] = resultFromRaw(item.Result)
	}
	return out, nil
}

// resultFromRaw interprets a raw result value, recognizing the tagged error
// form {__error: true, message}.
func resultFromRaw(raw json.RawMessage) *models.CallbackResult {
	var tagged struct {
		IsError bool   `json:"__error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &tagged); err == nil && tagged.IsError {
		return &models.CallbackResult{IsError: true, Message: tagged.Message}
	}
	return &models.CallbackResult{Value: raw}
}

// ResultFromRaw is the exported form used when materializing an agent-supplied
// resume payload.
func ResultFromRaw(raw json.RawMessage) *models.CallbackResult {
	return resultFromRaw(raw)
}

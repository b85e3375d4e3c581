package sequencer

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

func result(raw string) *models.CallbackResult {
	return &models.CallbackResult{Value: json.RawMessage(raw)}
}

func TestSequencer_FreshPausesWithMonotonicSeq(t *testing.T) {
	s := New()

	_, err := s.Call(models.CallbackLLM, "call", map[string]any{"prompt": "one"})
	var pause *PauseError
	require.ErrorAs(t, err, &pause)
	assert.Equal(t, uint32(0), pause.Record.Seq)
	assert.Equal(t, models.CallbackLLM, pause.Record.Kind)
	assert.Equal(t, "call", pause.Record.Operation)
	assert.JSONEq(t, `{"prompt":"one"}`, string(pause.Record.Payload))

	// A second call in the same (doomed) run still advances the counter.
	_, err = s.Call(models.CallbackLLM, "call", nil)
	require.ErrorAs(t, err, &pause)
	assert.Equal(t, uint32(1), pause.Record.Seq)
}

func TestSequencer_ReplayReturnsRecordedResults(t *testing.T) {
	replay := map[uint32]models.CallbackRecord{
		0: {Seq: 0, Kind: models.CallbackLLM, Operation: "call", Result: result(`"Hello world"`)},
	}
	s := NewReplay(replay)

	raw, err := s.Call(models.CallbackLLM, "call", map[string]any{"prompt": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `"Hello world"`, string(raw))
	assert.Len(t, s.History(), 1)

	// Replay exhausted: the next call pauses at seq 1.
	_, err = s.Call(models.CallbackLLM, "call", nil)
	var pause *PauseError
	require.ErrorAs(t, err, &pause)
	assert.Equal(t, uint32(1), pause.Record.Seq)
}

func TestSequencer_ReplayThrowsTaggedErrors(t *testing.T) {
	replay := map[uint32]models.CallbackRecord{
		0: {Seq: 0, Kind: models.CallbackTool, Operation: "x.f",
			Result: &models.CallbackResult{IsError: true, Message: "boom"}},
	}
	s := NewReplay(replay)

	_, err := s.Call(models.CallbackTool, "x.f", nil)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "boom", toolErr.Message)
}

func TestSequencer_KindMismatchIsDivergence(t *testing.T) {
	replay := map[uint32]models.CallbackRecord{
		0: {Seq: 0, Kind: models.CallbackLLM, Operation: "call", Result: result(`"x"`)},
	}
	s := NewReplay(replay)

	_, err := s.Call(models.CallbackTool, "x.f", nil)
	var diverge *DivergenceError
	require.ErrorAs(t, err, &diverge)
	assert.Equal(t, uint32(0), diverge.Seq)
}

func TestSequencer_UnconsumedReplay(t *testing.T) {
	replay := map[uint32]models.CallbackRecord{
		0: {Seq: 0, Kind: models.CallbackLLM, Operation: "call", Result: result(`"a"`)},
		1: {Seq: 1, Kind: models.CallbackLLM, Operation: "call", Result: result(`"b"`)},
	}
	s := NewReplay(replay)
	_, err := s.Call(models.CallbackLLM, "call", nil)
	require.NoError(t, err)
	assert.True(t, s.UnconsumedReplay())

	_, err = s.Call(models.CallbackLLM, "call", nil)
	require.NoError(t, err)
	assert.False(t, s.UnconsumedReplay())
}

func TestSequencer_Batch(t *testing.T) {
	s := New()
	s.BeginBatch()

	for i := 0; i < 3; i++ {
		_, err := s.Call(models.CallbackLLM, "call", map[string]any{"i": i})
		var collected *BatchCollectError
		require.ErrorAs(t, err, &collected)
		assert.Equal(t, uint32(i), collected.Seq)
		assert.NotEmpty(t, collected.SubID)
	}

	pending := s.EndBatch()
	require.NotNil(t, pending)
	require.Len(t, pending.Batch, 3)
	assert.Equal(t, uint32(0), pending.Seq)
	assert.Equal(t, uint32(2), pending.Batch[2].Seq)

	subIDs := map[string]bool{}
	for _, item := range pending.Batch {
		subIDs[item.SubID] = true
	}
	assert.Len(t, subIDs, 3, "sub ids must be distinct")
}

func TestSequencer_EmptyBatchDoesNotPause(t *testing.T) {
	replay := map[uint32]models.CallbackRecord{
		0: {Seq: 0, Kind: models.CallbackLLM, Operation: "call", Result: result(`"a"`)},
	}
	s := NewReplay(replay)
	s.BeginBatch()
	_, err := s.Call(models.CallbackLLM, "call", nil)
	require.NoError(t, err)
	assert.Nil(t, s.EndBatch())
}

func TestExpandHistory(t *testing.T) {
	t.Run("plain records", func(t *testing.T) {
		history := []models.CallbackRecord{
			{Seq: 0, Kind: models.CallbackLLM, Operation: "call", Result: result(`"a"`)},
			{Seq: 1, Kind: models.CallbackLLM, Operation: "call", Result: result(`"b"`)},
		}
		replay, err := ExpandHistory(history)
		require.NoError(t, err)
		assert.Len(t, replay, 2)
	})

	t.Run("batch fans out by sub_id regardless of order", func(t *testing.T) {
		results, _ := json.Marshal([]models.BatchResult{
			{SubID: "b", Result: json.RawMessage(`"B"`)},
			{SubID: "a", Result: json.RawMessage(`"A"`)},
			{SubID: "c", Result: json.RawMessage(`"C"`)},
		})
		history := []models.CallbackRecord{{
			Seq:  0,
			Kind: models.CallbackLLM,
			Batch: []models.BatchItem{
				{SubID: "a", Seq: 0, Kind: models.CallbackLLM, Operation: "call"},
				{SubID: "b", Seq: 1, Kind: models.CallbackLLM, Operation: "call"},
				{SubID: "c", Seq: 2, Kind: models.CallbackLLM, Operation: "call"},
			},
			Result: &models.CallbackResult{Value: results},
		}}
		replay, err := ExpandHistory(history)
		require.NoError(t, err)
		require.Len(t, replay, 3)
		assert.JSONEq(t, `"A"`, string(replay[0].Result.Value))
		assert.JSONEq(t, `"B"`, string(replay[1].Result.Value))
		assert.JSONEq(t, `"C"`, string(replay[2].Result.Value))
	})

	t.Run("missing sub result fails", func(t *testing.T) {
		results, _ := json.Marshal([]models.BatchResult{{SubID: "a", Result: json.RawMessage(`"A"`)}})
		history := []models.CallbackRecord{{
			Seq:  0,
			Kind: models.CallbackLLM,
			Batch: []models.BatchItem{
				{SubID: "a", Seq: 0, Kind: models.CallbackLLM},
				{SubID: "b", Seq: 1, Kind: models.CallbackLLM},
			},
			Result: &models.CallbackResult{Value: results},
		}}
		_, err := ExpandHistory(history)
		assert.Error(t, err)
	})

	t.Run("duplicate seq fails", func(t *testing.T) {
		history := []models.CallbackRecord{
			{Seq: 0, Result: result(`"a"`)},
			{Seq: 0, Result: result(`"b"`)},
		}
		_, err := ExpandHistory(history)
		assert.Error(t, err)
	})
}

func TestResultFromRaw(t *testing.T) {
	t.Run("tagged error", func(t *testing.T) {
		r := ResultFromRaw(json.RawMessage(`{"__error": true, "message": "boom"}`))
		assert.True(t, r.IsError)
		assert.Equal(t, "boom", r.Message)
	})

	t.Run("plain value", func(t *testing.T) {
		r := ResultFromRaw(json.RawMessage(`{"ok": 1}`))
		assert.False(t, r.IsError)
		assert.JSONEq(t, `{"ok": 1}`, string(r.Value))
	})
}

func TestDeterminism_SamePrefixSameSequence(t *testing.T) {
	runOnce := func() []uint32 {
		s := NewReplay(map[uint32]models.CallbackRecord{
			0: {Seq: 0, Kind: models.CallbackLLM, Operation: "call", Result: result(`"a"`)},
		})
		var seqs []uint32
		for i := 0; i < 3; i++ {
			_, err := s.Call(models.CallbackLLM, "call", nil)
			var pause *PauseError
			if errors.As(err, &pause) {
				seqs = append(seqs, pause.Record.Seq)
				break
			}
			seqs = append(seqs, s.NextSeq()-1)
		}
		return seqs
	}
	assert.Equal(t, runOnce(), runOnce())
}

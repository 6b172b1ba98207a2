package streamparser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentpool/pkg/types"
)

func TestFeedEmitsSingleRecord(t *testing.T) {
	p := New()
	var got []types.Record
	p.Feed([]byte(`{"type":"assistant","content":"hi"}`), func(rec types.Record) {
		got = append(got, rec)
	})
	require.Len(t, got, 1)
	assert.Equal(t, "assistant", got[0].Raw["type"])
	assert.False(t, p.HasPending())
}

func TestFeedSkipsPrecedingNoise(t *testing.T) {
	p := New()
	var count int
	p.Feed([]byte(`log line that is not json {"type":"system","ok":true}`), func(rec types.Record) {
		count++
	})
	assert.Equal(t, 1, count)
}

func TestFeedEmitsMultipleRecordsInOrder(t *testing.T) {
	p := New()
	var kinds []string
	input := `{"type":"assistant"} noise {"type":"tool_use"} more noise {"type":"result","subtype":"success"}`
	p.Feed([]byte(input), func(rec types.Record) {
		kinds = append(kinds, string(rec.Kind))
	})
	require.Len(t, kinds, 3)
	assert.Equal(t, []string{"assistant", "tool_use", "result"}, kinds)
}

func TestFeedSplitAcrossChunksMatchesSingleFeed(t *testing.T) {
	full := []byte(`noise{"type":"assistant","a":1}more{"type":"result","subtype":"success","usage":{"input_tokens":3,"output_tokens":1}}`)

	for split := 0; split <= len(full); split++ {
		p1 := New()
		var r1 []string
		p1.Feed(full, func(rec types.Record) { r1 = append(r1, string(rec.Kind)) })

		p2 := New()
		var r2 []string
		p2.Feed(full[:split], func(rec types.Record) { r2 = append(r2, string(rec.Kind)) })
		p2.Feed(full[split:], func(rec types.Record) { r2 = append(r2, string(rec.Kind)) })

		assert.Equal(t, r1, r2, "split at %d diverged", split)
	}
}

func TestFeedByteAtATimeEmitsExactlyOneRecord(t *testing.T) {
	record := `{"type":"assistant","content":"hello"}`
	p := New()
	var got []types.Record
	// Garbage byte prefix then feed the record one byte at a time.
	p.Feed([]byte("x"), func(rec types.Record) { got = append(got, rec) })
	for i := 0; i < len(record); i++ {
		p.Feed([]byte{record[i]}, func(rec types.Record) { got = append(got, rec) })
	}

	require.Len(t, got, 1)
	var want map[string]any
	require.NoError(t, json.Unmarshal([]byte(record), &want))
	assert.Equal(t, want, got[0].Raw)
	assert.False(t, p.HasPending())
}

func TestFeedDiscardsUndecodableRecordWithoutAffectingNext(t *testing.T) {
	p := New()
	var got []types.Record
	// {"bad": } is malformed JSON but balances braces.
	p.Feed([]byte(`{"bad": }{"type":"assistant"}`), func(rec types.Record) {
		got = append(got, rec)
	})
	require.Len(t, got, 1)
	assert.Equal(t, "assistant", string(got[0].Kind))
}

func TestFeedToleratesCamelAndSnakeUsage(t *testing.T) {
	p := New()
	var got types.Record
	p.Feed([]byte(`{"type":"result","subtype":"success","usage":{"inputTokens":7,"outputTokens":2}}`), func(rec types.Record) {
		got = rec
	})
	assert.Equal(t, 7, got.Usage.InputTokens)
	assert.Equal(t, 2, got.Usage.OutputTokens)
}

func TestFeedMessageEnvelopeUsesInnerType(t *testing.T) {
	p := New()
	var got types.Record
	p.Feed([]byte(`{"message":{"type":"assistant","content":"hi"}}`), func(rec types.Record) {
		got = rec
	})
	assert.Equal(t, "assistant", string(got.Kind))
}

func TestHasPendingReflectsUnterminatedRecord(t *testing.T) {
	p := New()
	p.Feed([]byte(`{"type":"assistant"`), func(rec types.Record) {})
	assert.True(t, p.HasPending())
	p.Reset()
	assert.False(t, p.HasPending())
}

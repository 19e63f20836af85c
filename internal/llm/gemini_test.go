package llm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestExtractCallArgs(t *testing.T) {
	calls := []*genai.FunctionCall{
		{Name: "other", Args: map[string]any{"x": 1}},
		{Name: "record_evaluation", Args: map[string]any{"clarity_score": 80}},
	}
	raw, err := ExtractCallArgs(calls, "record_evaluation")
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 80, got["clarity_score"])
}

func TestExtractCallArgs_NoCall(t *testing.T) {
	_, err := ExtractCallArgs(nil, "record_evaluation")
	assert.ErrorIs(t, err, ErrNoFunctionCall)
	_, err = ExtractCallArgs([]*genai.FunctionCall{nil, {Name: "x"}}, "record_evaluation")
	assert.ErrorIs(t, err, ErrNoFunctionCall)
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.Error(t, err)
}

func TestWrapPCM16_Header(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0}
	wav := WrapPCM16(pcm, 24000)
	require.Len(t, wav, 44+len(pcm))
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(wav[40:44]))
	assert.Equal(t, pcm, wav[44:])
}

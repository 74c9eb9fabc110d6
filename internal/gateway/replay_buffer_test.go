package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqs(entries []replayEntry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Seq
	}
	return out
}

func TestReplayBuffer_Range(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushed   int64
		from, to int64
		want     []int64
	}{
		{"empty", 10, 0, 1, 100, []int64{}},
		{"inner range", 100, 10, 3, 7, []int64{3, 4, 5, 6, 7}},
		{"wraparound keeps newest", 5, 8, 1, 10, []int64{4, 5, 6, 7, 8}},
		{"evicted range", 5, 8, 1, 3, []int64{}},
		{"exactly full", 4, 4, 1, 4, []int64{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewReplayBuffer(tt.capacity)
			for i := int64(1); i <= tt.pushed; i++ {
				rb.Push(i, []byte("msg"))
			}
			assert.Equal(t, tt.want, seqs(rb.Range(tt.from, tt.to)))
		})
	}
}

func TestReplayBuffer_Len(t *testing.T) {
	rb := NewReplayBuffer(3)
	assert.Equal(t, 0, rb.Len())
	for i := int64(1); i <= 5; i++ {
		rb.Push(i, nil)
	}
	assert.Equal(t, 3, rb.Len())
}

func TestReplayBuffer_PushCopiesData(t *testing.T) {
	rb := NewReplayBuffer(4)
	data := []byte("abc")
	rb.Push(1, data)
	data[0] = 'x'

	got := rb.Range(1, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", string(got[0].Data))
}

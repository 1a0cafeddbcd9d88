package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func kgoRec(partition int32, offset int64) *kgo.Record {
	return &kgo.Record{Topic: "replybus.requests", Partition: partition, Offset: offset}
}

func TestOffsetTracker_CommitsFinishedPrefix(t *testing.T) {
	tr := newOffsetTracker()

	r5, r6, r7, other := kgoRec(0, 5), kgoRec(0, 6), kgoRec(0, 7), kgoRec(1, 5)
	for _, r := range []*kgo.Record{r5, r6, r7, other} {
		require.True(t, tr.add(r))
	}

	assert.Nil(t, tr.complete(r7), "5 and 6 still in flight")
	assert.Nil(t, tr.complete(r6))
	assert.Same(t, r7, tr.complete(r5))
	assert.Same(t, other, tr.complete(other), "partitions advance independently")

	assert.Nil(t, tr.complete(kgoRec(0, 8)), "untracked")
	assert.Nil(t, tr.complete(r5), "already committed")
}

func TestOffsetTracker_ForgetsRevokedPartitions(t *testing.T) {
	tr := newOffsetTracker()

	r1 := kgoRec(0, 1)
	require.True(t, tr.add(r1))

	tr.forget(map[string][]int32{"replybus.requests": {0}})

	assert.Nil(t, tr.complete(r1))
	assert.False(t, tr.add(kgoRec(0, 2)), "buffered records of a revoked partition are dropped")

	tr.assign(map[string][]int32{"replybus.requests": {0}})

	r3 := kgoRec(0, 3)
	require.True(t, tr.add(r3))
	assert.Same(t, r3, tr.complete(r3))
}

func TestKgoReader_CommitMarksOnlyContiguousOffsets(t *testing.T) {
	var marked []*kgo.Record

	rd := newKgoReader()
	rd.mark = func(rs ...*kgo.Record) { marked = append(marked, rs...) }

	raws := []*kgo.Record{kgoRec(0, 10), kgoRec(0, 11), kgoRec(0, 12)}

	recs := make([]Record, len(raws))
	for i, raw := range raws {
		require.True(t, rd.offsets.add(raw))
		recs[i] = Record{Topic: raw.Topic, raw: raw}
	}

	// the slow first request finishes last
	require.NoError(t, rd.Commit(t.Context(), recs[2]))
	require.NoError(t, rd.Commit(t.Context(), recs[1]))
	assert.Empty(t, marked, "offset 10 is still in flight")

	require.NoError(t, rd.Commit(t.Context(), recs[0]))
	require.Len(t, marked, 1)
	assert.Equal(t, int64(12), marked[0].Offset)

	assert.Error(t, rd.Commit(t.Context(), Record{Topic: "x"}))
}

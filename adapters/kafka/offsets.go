package kafka

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type partitionKey struct {
	topic     string
	partition int32
}

// inflight holds the records of one partition that were handed out, in read order.
type inflight struct {
	recs []*kgo.Record
	done map[int64]bool
}

// offsetTracker lets a partition's commit point advance only past records that are
// finished, along with everything read before them. Workers finish out of order.
type offsetTracker struct {
	mu      sync.Mutex
	parts   map[partitionKey]*inflight
	revoked map[partitionKey]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		parts:   make(map[partitionKey]*inflight),
		revoked: make(map[partitionKey]bool),
	}
}

func keyOf(rec *kgo.Record) partitionKey {
	return partitionKey{topic: rec.Topic, partition: rec.Partition}
}

// add starts tracking rec. It reports false when rec belongs to a revoked partition;
// such a record is left for the partition's new owner.
func (t *offsetTracker) add(rec *kgo.Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := keyOf(rec)
	if t.revoked[k] {
		return false
	}

	p, ok := t.parts[k]
	if !ok {
		p = &inflight{done: make(map[int64]bool)}
		t.parts[k] = p
	}

	p.recs = append(p.recs, rec)

	return true
}

// complete marks rec finished and returns the newest record of the partition's finished
// prefix, or nil when an older record is still in flight or rec is not tracked.
func (t *offsetTracker) complete(rec *kgo.Record) *kgo.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.parts[keyOf(rec)]
	if !ok || !p.tracks(rec) {
		return nil
	}

	p.done[rec.Offset] = true

	var last *kgo.Record

	for len(p.recs) > 0 && p.done[p.recs[0].Offset] {
		last = p.recs[0]
		delete(p.done, last.Offset)
		p.recs = p.recs[1:]
	}

	return last
}

func (p *inflight) tracks(rec *kgo.Record) bool {
	for _, r := range p.recs {
		if r == rec {
			return true
		}
	}

	return false
}

// assign clears the revoked state of newly assigned partitions.
func (t *offsetTracker) assign(assigned map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for topic, partitions := range assigned {
		for _, p := range partitions {
			delete(t.revoked, partitionKey{topic: topic, partition: p})
		}
	}
}

// forget drops the in-flight state of partitions this member no longer owns. Their
// unfinished records are redelivered to the next owner.
func (t *offsetTracker) forget(lost map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for topic, partitions := range lost {
		for _, p := range partitions {
			k := partitionKey{topic: topic, partition: p}
			delete(t.parts, k)
			t.revoked[k] = true
		}
	}
}

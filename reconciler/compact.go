package reconciler

import (
	"sort"

	"github.com/saiset-co/sai-offline/queue"
)

// Compaction maps each entity id to its final intended state.
type Compaction map[int64]bool

// Compact resolves duplicate entity ids by insertion order: the last item
// wins regardless of its timestamp.
func Compact(items []queue.Item) Compaction {
	out := make(Compaction, len(items))
	for _, item := range items {
		out[item.EntityID] = item.State
	}
	return out
}

// Partition splits a compaction into ids to set and ids to unset, each in
// ascending order.
func Partition(c Compaction) (set, unset []int64) {
	for id, state := range c {
		if state {
			set = append(set, id)
		} else {
			unset = append(unset, id)
		}
	}

	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	sort.Slice(unset, func(i, j int) bool { return unset[i] < unset[j] })

	return set, unset
}

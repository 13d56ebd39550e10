package service

import (
	"reflect"
	"sort"
	"time"

	"github.com/visioncare/be-screening-workflow/internal/repository"
)

// mergePatch applies a data patch onto a step's field map with
// last-writer-wins semantics at field granularity and returns the new map.
// The previous map is not mutated.
func mergePatch(prev, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(prev)+len(patch))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// diffFields computes the change list between the previous and new field
// maps, restricted to the patched keys. Scalars compare by value; a nested
// map is compared shallowly and recorded as one change covering the whole
// submap. Fields are emitted in sorted order so log entries are stable.
func diffFields(prev, next, patch map[string]any, at time.Time) []repository.FieldChange {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changes := make([]repository.FieldChange, 0, len(keys))
	for _, k := range keys {
		oldVal, hadOld := prev[k]
		newVal := next[k]
		if hadOld && reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		var old any
		if hadOld {
			old = oldVal
		}
		changes = append(changes, repository.FieldChange{
			Field:     k,
			Old:       old,
			New:       newVal,
			ChangedAt: at,
		})
	}
	return changes
}

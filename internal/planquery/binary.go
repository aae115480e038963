package planquery

import "github.com/wislap/busd/internal/busevent"

// ApplyBinary evaluates merge/intersection/difference over left and
// right, deduping by DedupeKey and sorting the result by seq
// descending, per spec.md §4.I.
func ApplyBinary(left, right []busevent.Event, op string) ([]busevent.Event, bool) {
	switch op {
	case "merge":
		return dedupeMerge(left, right), true
	case "intersection":
		rightSet := keySet(right)
		return dedupeFilter(left, func(k string) bool { _, ok := rightSet[k]; return ok }), true
	case "difference":
		rightSet := keySet(right)
		return dedupeFilter(left, func(k string) bool { _, ok := rightSet[k]; return !ok }), true
	default:
		return nil, false
	}
}

func keySet(items []busevent.Event) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for i := range items {
		tag, val := DedupeKey(&items[i])
		set[tag+":"+val] = struct{}{}
	}
	return set
}

func dedupeMerge(left, right []busevent.Event) []busevent.Event {
	seen := make(map[string]struct{})
	out := make([]busevent.Event, 0, len(left)+len(right))
	for _, batch := range [][]busevent.Event{left, right} {
		for i := range batch {
			tag, val := DedupeKey(&batch[i])
			k := tag + ":" + val
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, batch[i])
		}
	}
	SortBySeqDesc(out)
	return out
}

func dedupeFilter(items []busevent.Event, keep func(key string) bool) []busevent.Event {
	seen := make(map[string]struct{})
	out := make([]busevent.Event, 0, len(items))
	for i := range items {
		tag, val := DedupeKey(&items[i])
		k := tag + ":" + val
		if _, ok := seen[k]; ok {
			continue
		}
		if !keep(k) {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, items[i])
	}
	SortBySeqDesc(out)
	return out
}

package chat

import "sort"

// Selection maps a variant-group key (parent id) to the chosen ordinal within
// the group's sorted sibling list.
type Selection map[string]int

// Grouping is the derived view over a store snapshot: the flattened visible
// transcript plus the sibling groups it was collapsed from. It is recomputed,
// never mutated in place.
type Grouping struct {
	Visible []Message
	Groups  map[string][]Message
}

// GroupVariants derives sibling groups and the single visible transcript from
// a message snapshot and a per-group selection.
//
// Assistant messages are bucketed by group key. A bucket is ordered by
// explicit variant index when every member has one, otherwise by creation
// time — placeholders created before indices were known still sort sanely.
// A second pass over the original sequence emits user messages verbatim and,
// for each distinct group key, exactly one representative at its first
// encounter: the selected ordinal when in range, else the most recent
// variant. Turn order is preserved; n-way variants collapse to one slot.
func GroupVariants(msgs []Message, sel Selection) Grouping {
	groups := map[string][]Message{}
	for _, m := range msgs {
		if m.Role != RoleAssistant {
			continue
		}
		key := m.GroupKey()
		groups[key] = append(groups[key], m)
	}
	for key, bucket := range groups {
		sortBucket(bucket)
		groups[key] = bucket
	}

	visible := make([]Message, 0, len(msgs))
	emitted := map[string]bool{}
	for _, m := range msgs {
		if m.Role != RoleAssistant {
			visible = append(visible, m)
			continue
		}
		key := m.GroupKey()
		if emitted[key] {
			continue
		}
		emitted[key] = true
		bucket := groups[key]
		pick := len(bucket) - 1
		if ord, ok := sel[key]; ok && ord >= 0 && ord < len(bucket) {
			pick = ord
		}
		visible = append(visible, bucket[pick])
	}
	return Grouping{Visible: visible, Groups: groups}
}

func sortBucket(bucket []Message) {
	indexed := true
	for _, m := range bucket {
		if m.VariantIndex == nil {
			indexed = false
			break
		}
	}
	if indexed {
		sort.SliceStable(bucket, func(i, j int) bool {
			return *bucket[i].VariantIndex < *bucket[j].VariantIndex
		})
		return
	}
	sort.SliceStable(bucket, func(i, j int) bool {
		return bucket[i].CreatedAt.Before(bucket[j].CreatedAt)
	})
}

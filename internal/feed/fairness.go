package feed

import "sort"

// SourceItems pairs one source with its fetched items.
type SourceItems struct {
	ID    string
	Name  string
	Items []Item
}

// RoundRobinCap selects up to cap items across sources fairly: each
// source's items are ordered newest-first, then one item is taken from
// each source per round until the cap or exhaustion. A prolific source
// cannot starve the others the way plain truncation would.
func RoundRobinCap(groups []SourceItems, cap int) []SourcedItem {
	if cap <= 0 {
		return nil
	}
	sorted := make([][]Item, len(groups))
	for i, g := range groups {
		items := make([]Item, len(g.Items))
		copy(items, g.Items)
		sort.SliceStable(items, func(a, b int) bool {
			ta, tb := items[a].Published, items[b].Published
			switch {
			case ta == nil:
				return false
			case tb == nil:
				return true
			default:
				return ta.After(*tb)
			}
		})
		sorted[i] = items
	}

	var out []SourcedItem
	for round := 0; len(out) < cap; round++ {
		took := false
		for i := range sorted {
			if round >= len(sorted[i]) {
				continue
			}
			out = append(out, SourcedItem{Item: sorted[i][round], SourceID: groups[i].ID, SourceName: groups[i].Name})
			took = true
			if len(out) == cap {
				break
			}
		}
		if !took {
			break
		}
	}
	return out
}

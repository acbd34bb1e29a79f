// Package wallet holds the Wallet Registry policies: which free wallet funds
// the next entry, and how wallet addresses map to signing keys.
package wallet

import (
	"sort"
)

// Order returns the eligible wallet ids in the order they should be tried:
// ascending ids strictly after lastUsed first, then wrapping to the smallest.
// The input is not modified.
func Order(eligible []int64, lastUsed int64) []int64 {
	if len(eligible) == 0 {
		return nil
	}

	ids := append([]int64(nil), eligible...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ids = dedupe(ids)

	split := sort.Search(len(ids), func(i int) bool { return ids[i] > lastUsed })
	ordered := make([]int64, 0, len(ids))
	ordered = append(ordered, ids[split:]...)
	ordered = append(ordered, ids[:split]...)
	return ordered
}

// Pick returns the first wallet Order would hand out.
func Pick(eligible []int64, lastUsed int64) (int64, bool) {
	ordered := Order(eligible, lastUsed)
	if len(ordered) == 0 {
		return 0, false
	}
	return ordered[0], true
}

func dedupe(sorted []int64) []int64 {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, id := range sorted[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

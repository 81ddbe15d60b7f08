package util

import "sort"

// PartitionSet is a small ordered set of partition ids.
type PartitionSet []int

func NewPartitionSet(ids ...int) PartitionSet {
	ps := make(PartitionSet, 0, len(ids))
	for _, id := range ids {
		ps = ps.Add(id)
	}
	return ps
}

func (ps PartitionSet) Contains(id int) bool {
	for _, p := range ps {
		if p == id {
			return true
		}
	}
	return false
}

// Add returns the set with id included, keeping ids sorted.
func (ps PartitionSet) Add(id int) PartitionSet {
	if ps.Contains(id) {
		return ps
	}
	ps = append(ps, id)
	sort.Ints(ps)
	return ps
}

// Remove returns the set without id.
func (ps PartitionSet) Remove(id int) PartitionSet {
	for i, p := range ps {
		if p == id {
			return append(ps[:i:i], ps[i+1:]...)
		}
	}
	return ps
}

func (ps PartitionSet) Size() int { return len(ps) }

func (ps PartitionSet) IsEmpty() bool { return len(ps) == 0 }

// Copy returns a set that shares no storage with ps.
func (ps PartitionSet) Copy() PartitionSet {
	out := make(PartitionSet, len(ps))
	copy(out, ps)
	return out
}

// Equals reports whether both sets hold exactly the same ids.
func (ps PartitionSet) Equals(other PartitionSet) bool {
	if len(ps) != len(other) {
		return false
	}
	for i := range ps {
		if ps[i] != other[i] {
			return false
		}
	}
	return true
}

package dag

import (
	"sort"

	"restack/internal/backend"
)

// Set is an unordered collection of commit ids.
type Set map[backend.ID]struct{}

// NewSet builds a set from ids.
func NewSet(ids ...backend.ID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Add(id backend.ID) { s[id] = struct{}{} }

func (s Set) Has(id backend.ID) bool {
	_, ok := s[id]
	return ok
}

// Union returns a new set with members of s or o.
func (s Set) Union(o Set) Set {
	out := make(Set, len(s)+len(o))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range o {
		out[id] = struct{}{}
	}
	return out
}

// Intersect returns a new set with members of both s and o.
func (s Set) Intersect(o Set) Set {
	small, big := s, o
	if len(big) < len(small) {
		small, big = big, small
	}
	out := make(Set)
	for id := range small {
		if big.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Difference returns a new set with members of s not in o.
func (s Set) Difference(o Set) Set {
	out := make(Set, len(s))
	for id := range s {
		if !o.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Sorted returns the members in lexical id order.
func (s Set) Sorted() []backend.ID {
	ids := make([]backend.ID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Equal reports whether both sets have the same members.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package set

import (
	"golang.org/x/exp/maps"
)

// Set is a set of elements.
type Set[T comparable] map[T]struct{}

// Of returns a Set initialized with [elts]
func Of[T comparable](elts ...T) Set[T] {
	s := NewSet[T](len(elts))
	s.Add(elts...)
	return s
}

// NewSet returns a new set with initial capacity [size].
// More or less than [size] elements can be added to this set.
func NewSet[T comparable](size int) Set[T] {
	if size < 0 {
		return Set[T]{}
	}
	return make(map[T]struct{}, size)
}

// Add all the elements to this set.
// If the element is already in the set, nothing happens.
func (s *Set[T]) Add(elts ...T) {
	if *s == nil {
		*s = make(map[T]struct{}, len(elts))
	}
	for _, elt := range elts {
		(*s)[elt] = struct{}{}
	}
}

// Contains returns true iff the set contains this element.
func (s Set[T]) Contains(elt T) bool {
	_, contains := s[elt]
	return contains
}

// Remove all the given elements from this set.
// If an element isn't in the set, it's ignored.
func (s Set[T]) Remove(elts ...T) {
	for _, elt := range elts {
		delete(s, elt)
	}
}

// Len returns the number of elements in this set.
func (s Set[T]) Len() int {
	return len(s)
}

// List converts this set into a list
func (s Set[T]) List() []T {
	return maps.Keys(s)
}

// Equals returns true if the sets contain the same elements
func (s Set[T]) Equals(other Set[T]) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range other {
		if _, contains := s[k]; !contains {
			return false
		}
	}
	return true
}

// Clone returns a new set with a copy of this set's elements.
func (s Set[T]) Clone() Set[T] {
	clone := NewSet[T](len(s))
	for elt := range s {
		clone.Add(elt)
	}
	return clone
}

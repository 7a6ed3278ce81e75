// Package subscription holds the set of terms the social stream is filtered on.
//
// The set is case-sensitive, keeps insertion order and never contains
// duplicates or blank terms. Every mutation runs under a single lock, so a
// Snapshot taken for a stream restart always sees a fully applied change.
package subscription

import (
	"strings"
	"sync"
)

// Set is a mutable, concurrency-safe collection of subscription terms.
type Set struct {
	mu    sync.RWMutex
	terms []string
}

// New returns a Set seeded with terms (trimmed and deduplicated).
func New(terms ...string) *Set {
	return &Set{terms: Dedupe(terms)}
}

// Add appends terms not already present. Terms that were already tracked (or
// repeated within the call) are returned in skipped.
func (s *Set) Add(terms ...string) (added, skipped []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(s.terms)+len(terms))
	for _, t := range s.terms {
		seen[t] = struct{}{}
	}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			skipped = append(skipped, t)
			continue
		}
		seen[t] = struct{}{}
		s.terms = append(s.terms, t)
		added = append(added, t)
	}
	return added, skipped
}

// Remove drops every matching term and returns the ones that were present.
func (s *Set) Remove(terms ...string) (removed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		drop[strings.TrimSpace(t)] = struct{}{}
	}
	kept := s.terms[:0:0]
	for _, t := range s.terms {
		if _, ok := drop[t]; ok {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	s.terms = kept
	return removed
}

// Replace swaps the whole set for terms.
func (s *Set) Replace(terms ...string) {
	next := Dedupe(terms)
	s.mu.Lock()
	s.terms = next
	s.mu.Unlock()
}

// Snapshot returns an ordered, duplicate-free copy of the current terms.
func (s *Set) Snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Dedupe(s.terms)
}

// Len reports the number of tracked terms.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.terms)
}

// Dedupe trims terms, drops blanks and removes repeats, keeping first-seen order.
func Dedupe(terms []string) []string {
	out := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

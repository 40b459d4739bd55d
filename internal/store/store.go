// Package store holds the local chunk map: read-only after the initial
// fragment load, extended by completed downloads (spec §3 "Local store").
package store

import "peerd/internal/wire"

// Store is safe to use without locking only under the event loop's
// single-goroutine discipline (spec §5) — it is deliberately not
// concurrency-safe on its own.
type Store struct {
	chunks map[wire.Hash][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{chunks: make(map[wire.Hash][]byte)}
}

// Has reports whether h is present.
func (s *Store) Has(h wire.Hash) bool {
	_, ok := s.chunks[h]
	return ok
}

// Get returns the bytes for h, if present.
func (s *Store) Get(h wire.Hash) ([]byte, bool) {
	b, ok := s.chunks[h]
	return b, ok
}

// Put stores data under h, overwriting any previous value.
func (s *Store) Put(h wire.Hash, data []byte) {
	s.chunks[h] = data
}

// Len returns the number of chunks held.
func (s *Store) Len() int { return len(s.chunks) }

// Intersect returns the subset of hashes this store currently holds.
func (s *Store) Intersect(hashes []wire.Hash) []wire.Hash {
	var have []wire.Hash
	for _, h := range hashes {
		if s.Has(h) {
			have = append(have, h)
		}
	}
	return have
}

// Missing returns the subset of hashes this store does not hold.
func (s *Store) Missing(hashes []wire.Hash) []wire.Hash {
	var missing []wire.Hash
	for _, h := range hashes {
		if !s.Has(h) {
			missing = append(missing, h)
		}
	}
	return missing
}

// All returns every hash currently held, in unspecified order.
func (s *Store) All() []wire.Hash {
	all := make([]wire.Hash, 0, len(s.chunks))
	for h := range s.chunks {
		all = append(all, h)
	}
	return all
}

package vm

import (
	"bytes"
	"crypto/sha256"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// ContentStore: content-addressed index for loaded programs
// ---------------------------------------------------------------------------

// ContentStore indexes loaded programs by their container content hash. A
// host embedding several interpreter contexts shares one store so a program
// imported twice is decoded once. All methods are safe for concurrent use.
type ContentStore struct {
	mu       sync.RWMutex
	programs map[[sha256.Size]byte]*Program
}

// NewContentStore creates an empty content store.
func NewContentStore() *ContentStore {
	return &ContentStore{
		programs: make(map[[sha256.Size]byte]*Program),
	}
}

// Put indexes a program under its content hash. Storing the same hash twice
// keeps the latest pointer; equal hashes imply equal container bytes.
func (cs *ContentStore) Put(p *Program) {
	if p == nil {
		return
	}
	h := p.Hash()
	cs.mu.Lock()
	cs.programs[h] = p
	cs.mu.Unlock()
}

// Get returns the program for the given hash, or nil.
func (cs *ContentStore) Get(h [sha256.Size]byte) *Program {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.programs[h]
}

// Has reports whether a program with the given hash is indexed.
func (cs *ContentStore) Has(h [sha256.Size]byte) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.programs[h]
	return ok
}

// Delete removes the program with the given hash, reporting whether it was
// present.
func (cs *ContentStore) Delete(h [sha256.Size]byte) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.programs[h]; !ok {
		return false
	}
	delete(cs.programs, h)
	return true
}

// Len returns the number of indexed programs.
func (cs *ContentStore) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.programs)
}

// Hashes returns all indexed hashes in lexicographic order, so enumeration
// is deterministic.
func (cs *ContentStore) Hashes() [][sha256.Size]byte {
	cs.mu.RLock()
	hashes := make([][sha256.Size]byte, 0, len(cs.programs))
	for h := range cs.programs {
		hashes = append(hashes, h)
	}
	cs.mu.RUnlock()

	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	return hashes
}

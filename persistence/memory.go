package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/c360/mlstreams/errors"
)

// MemoryStore is an in-process Adder and Searcher. It backs single-process
// deployments that checkpoint to local state and the engine's tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte

	// failPuts makes the next N Put calls fail with a transient error,
	// exercising the manager's retry path in tests
	failPuts int
}

// NewMemoryStore creates an empty in-memory checkpoint store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Put stores one document
func (ms *MemoryStore) Put(_ context.Context, docID string, data []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.failPuts > 0 {
		ms.failPuts--
		return errors.WrapTransient(errors.ErrStorageUnavailable, "MemoryStore", "Put", "store document")
	}

	owned := make([]byte, len(data))
	copy(owned, data)
	ms.docs[docID] = owned
	return nil
}

// Search returns all documents stored for the given snapshot id, in
// lexicographic id order
func (ms *MemoryStore) Search(_ context.Context, snapshotID string) ([][]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	prefix := snapshotID + "#"
	var ids []string
	for id := range ms.docs {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	docs := make([][]byte, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, ms.docs[id])
	}
	return docs, nil
}

// Len returns the number of stored documents
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.docs)
}

// FailNextPuts makes the next n Put calls fail with a transient error
func (ms *MemoryStore) FailNextPuts(n int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failPuts = n
}

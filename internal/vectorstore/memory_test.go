package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestMemoryStore(*testing.T) Store {
	return NewMemoryStore()
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, newTestMemoryStore)
}

func TestMemoryStore_TenantIsolation(t *testing.T) {
	runIsolationProperty(t, newTestMemoryStore)
}

func TestMemoryStore_EnsureCollectionRejectsNewDimension(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	assert.NoError(t, s.EnsureCollection(ctx, 3))
	assert.ErrorIs(t, s.EnsureCollection(ctx, 4), ErrDimensionMismatch)
}

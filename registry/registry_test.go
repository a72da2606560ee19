package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjianc/raftcore/registry"
)

type stubReplica struct {
	id int
}

func (s *stubReplica) ID() int { return s.id }

func TestGetConstructsOnce(t *testing.T) {
	calls := 0
	reg := registry.New[*stubReplica](func(id int) *stubReplica {
		calls++
		return &stubReplica{id: id}
	})

	first := reg.Get(3)
	second := reg.Get(3)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, reg.Count())
}

func TestGetPanicsOnReservedID(t *testing.T) {
	reg := registry.New[*stubReplica](func(id int) *stubReplica { return &stubReplica{id: id} })
	assert.Panics(t, func() { reg.Get(0) })
	assert.Panics(t, func() { reg.Get(-1) })
}

func TestReleaseDropsEntryAtZeroRefs(t *testing.T) {
	reg := registry.New[*stubReplica](func(id int) *stubReplica { return &stubReplica{id: id} })

	reg.Get(1)
	reg.Get(1)
	require.Equal(t, 1, reg.Count())

	reg.Release(1)
	assert.Equal(t, 1, reg.Count(), "one reference still outstanding")

	reg.Release(1)
	assert.Equal(t, 0, reg.Count(), "last reference released")

	// A fresh Get after the entry is gone constructs anew.
	reg.Get(1)
	assert.Equal(t, 1, reg.Count())
}

func TestReleaseOfUnknownIDIsNoop(t *testing.T) {
	reg := registry.New[*stubReplica](func(id int) *stubReplica { return &stubReplica{id: id} })
	assert.NotPanics(t, func() { reg.Release(42) })
}

func TestAllKeysSnapshot(t *testing.T) {
	reg := registry.New[*stubReplica](func(id int) *stubReplica { return &stubReplica{id: id} })
	reg.Get(1)
	reg.Get(2)
	reg.Get(3)

	keys := reg.AllKeys()
	assert.ElementsMatch(t, []int{1, 2, 3}, keys)
}

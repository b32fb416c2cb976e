package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
)

func TestDependencyManager_Edges(t *testing.T) {
	d := NewDependencyManager()

	d.AddDependency(2, 1)
	d.AddDependency(2, 1)
	d.AddDependency(3, 1)
	d.AddDependency(3, 2)

	assert.Equal(t, []common.EntryID{2, 3}, d.Dependents(1))
	assert.Equal(t, []common.EntryID{1, 2}, d.Dependencies(3))
	assert.Equal(t, 3, d.EdgeCount())
	assert.False(t, d.CanDrop(1))
	assert.True(t, d.CanDrop(3))

	d.EraseObject(2)
	assert.Equal(t, []common.EntryID{3}, d.Dependents(1))
	assert.Equal(t, []common.EntryID{1}, d.Dependencies(3))
	assert.False(t, d.HasObject(2))
	assert.Equal(t, 1, d.EdgeCount())

	d.EraseObject(1)
	assert.Zero(t, d.EdgeCount())
	assert.True(t, d.CanDrop(1))
	assert.Empty(t, d.Dependencies(3))
}

func TestDependencyManager_CascadeOrder(t *testing.T) {
	d := NewDependencyManager()

	//      1
	//    /   \
	//   5     2
	//   |    / \
	//   4   7   3
	d.AddDependency(5, 1)
	d.AddDependency(2, 1)
	d.AddDependency(4, 5)
	d.AddDependency(7, 2)
	d.AddDependency(3, 2)

	all := func(common.EntryID) bool { return true }
	assert.Equal(t, []common.EntryID{1, 2, 5, 3, 7, 4}, d.CascadeOrder(1, all))

	// filtered dependents are not expanded
	no5 := func(id common.EntryID) bool { return id != 5 }
	assert.Equal(t, []common.EntryID{1, 2, 3, 7}, d.CascadeOrder(1, no5))
}

func TestDependencyManager_CascadeCycle(t *testing.T) {
	d := NewDependencyManager()

	d.AddDependency(2, 1)
	d.AddDependency(3, 2)
	d.AddDependency(1, 3)
	d.AddDependency(2, 2)

	calls := 0
	order := d.CascadeOrder(1, func(common.EntryID) bool {
		calls++
		return true
	})
	require.Equal(t, []common.EntryID{1, 2, 3}, order)
	assert.Equal(t, 2, calls)
}

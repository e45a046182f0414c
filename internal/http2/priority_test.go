package http2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityTree_AddStream_DefaultsToRoot(t *testing.T) {
	pt := NewPriorityTree()
	require.NoError(t, pt.AddStream(1, 0, 15, false))

	parent, children, err := pt.GetDependencies(1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, parent)
	assert.Empty(t, children)

	_, rootChildren, err := pt.GetDependencies(0)
	require.NoError(t, err)
	assert.Contains(t, rootChildren, uint32(1))
}

func TestPriorityTree_AddStream_SelfDependencyFallsBackToRoot(t *testing.T) {
	pt := NewPriorityTree()
	require.NoError(t, pt.AddStream(3, 3, 15, false))

	parent, _, err := pt.GetDependencies(3)
	require.NoError(t, err)
	assert.EqualValues(t, 0, parent)
}

func TestPriorityTree_NonExclusiveReparent(t *testing.T) {
	pt := NewPriorityTree()
	require.NoError(t, pt.AddStream(1, 0, 15, false))
	require.NoError(t, pt.AddStream(3, 1, 15, false))
	require.NoError(t, pt.AddStream(5, 1, 15, false))

	parent, children, err := pt.GetDependencies(1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, parent)
	assert.ElementsMatch(t, []uint32{3, 5}, children)
}

func TestPriorityTree_ExclusiveReparentStealsSiblings(t *testing.T) {
	pt := NewPriorityTree()
	require.NoError(t, pt.AddStream(1, 0, 15, false))
	require.NoError(t, pt.AddStream(3, 1, 15, false))
	require.NoError(t, pt.AddStream(5, 1, 15, false))

	// Stream 7 exclusively depends on 1: it becomes 1's only child, and 1's
	// former children (3, 5) become 7's children, per RFC 7540 5.3.1.
	require.NoError(t, pt.AddStream(7, 1, 15, true))

	parent1, children1, err := pt.GetDependencies(1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, parent1)
	assert.Equal(t, []uint32{7}, children1)

	parent7, children7, err := pt.GetDependencies(7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, parent7)
	assert.ElementsMatch(t, []uint32{3, 5}, children7)

	parent3, _, err := pt.GetDependencies(3)
	require.NoError(t, err)
	assert.EqualValues(t, 7, parent3)
}

func TestPriorityTree_ProcessPriorityFrame(t *testing.T) {
	pt := NewPriorityTree()
	require.NoError(t, pt.AddStream(1, 0, 15, false))
	require.NoError(t, pt.AddStream(3, 0, 15, false))

	err := pt.ProcessPriorityFrame(3, &PriorityFrame{StreamDependency: 1, Weight: 200, Exclusive: false})
	require.NoError(t, err)

	parent, _, err := pt.GetDependencies(3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, parent)
}

func TestPriorityTree_ProcessPriorityFrame_RejectsStreamZero(t *testing.T) {
	pt := NewPriorityTree()
	err := pt.ProcessPriorityFrame(0, &PriorityFrame{})
	require.Error(t, err)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ErrCodeProtocolError, connErr.Code)
}

func TestPriorityTree_RemoveStream_ReparentsChildrenToGrandparent(t *testing.T) {
	pt := NewPriorityTree()
	require.NoError(t, pt.AddStream(1, 0, 15, false))
	require.NoError(t, pt.AddStream(3, 1, 15, false))
	require.NoError(t, pt.AddStream(5, 3, 15, false))

	require.NoError(t, pt.RemoveStream(3))

	parent, _, err := pt.GetDependencies(5)
	require.NoError(t, err)
	assert.EqualValues(t, 1, parent, "stream 5 should be reparented to 1 once 3 is removed")

	_, children1, err := pt.GetDependencies(1)
	require.NoError(t, err)
	assert.Contains(t, children1, uint32(5))

	_, _, err = pt.GetDependencies(3)
	assert.Error(t, err, "removed stream should no longer be present")
}

func TestPriorityTree_RemoveStream_RootRejected(t *testing.T) {
	pt := NewPriorityTree()
	assert.Error(t, pt.RemoveStream(0))
}

func TestPriorityTree_GetDependencies_UnknownStream(t *testing.T) {
	pt := NewPriorityTree()
	_, _, err := pt.GetDependencies(99)
	assert.Error(t, err)
}

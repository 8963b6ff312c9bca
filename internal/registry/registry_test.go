package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/capability"
)

func TestSelectNode_PicksSmallestLoad(t *testing.T) {
	r := New()
	r.RegisterNode("nodeB", "b:1", []capability.ProviderType{capability.ProviderKV}, 0)
	r.RegisterNode("nodeA", "a:1", []capability.ProviderType{capability.ProviderKV}, 0)
	r.PlaceInstance("x1", "nodeA")
	r.PlaceInstance("x2", "nodeA")

	id, err := r.SelectNode([]capability.ProviderType{capability.ProviderKV}, nil)
	require.NoError(t, err)
	require.Equal(t, "nodeB", id)
}

func TestSelectNode_DeterministicTieBreakByNodeID(t *testing.T) {
	r := New()
	r.RegisterNode("zzz", "z:1", []capability.ProviderType{capability.ProviderKV}, 0)
	r.RegisterNode("aaa", "a:1", []capability.ProviderType{capability.ProviderKV}, 0)

	id, err := r.SelectNode([]capability.ProviderType{capability.ProviderKV}, nil)
	require.NoError(t, err)
	require.Equal(t, "aaa", id)

	// Same snapshot, same load: repeated calls agree (property 7).
	id2, err := r.SelectNode([]capability.ProviderType{capability.ProviderKV}, nil)
	require.NoError(t, err)
	require.Equal(t, id, id2)
}

func TestSelectNode_FiltersByAdvertisedCapability(t *testing.T) {
	r := New()
	r.RegisterNode("kv-only", "a:1", []capability.ProviderType{capability.ProviderKV}, 0)

	_, err := r.SelectNode([]capability.ProviderType{capability.ProviderHTTP}, nil)
	require.Error(t, err)
	require.Equal(t, apierr.NoSuitableNode, apierr.CodeOf(err))
}

func TestSelectNode_SkipsUnreachable(t *testing.T) {
	r := New()
	r.RegisterNode("n1", "a:1", []capability.ProviderType{capability.ProviderKV}, 0)
	r.MarkUnreachable("n1")

	_, err := r.SelectNode([]capability.ProviderType{capability.ProviderKV}, nil)
	require.Error(t, err)
}

func TestSelectNode_ResourceExhaustedWhenSaturated(t *testing.T) {
	r := New()
	r.RegisterNode("n1", "a:1", []capability.ProviderType{capability.ProviderKV}, 1)
	r.PlaceInstance("x1", "n1")

	_, err := r.SelectNode([]capability.ProviderType{capability.ProviderKV}, nil)
	require.Error(t, err)
	require.Equal(t, apierr.ResourceExhausted, apierr.CodeOf(err))
}

func TestReassign_PreferMostRecentReport(t *testing.T) {
	r := New()
	r.RegisterNode("nodeA", "a:1", nil, 0)
	r.RegisterNode("nodeB", "b:1", nil, 0)
	r.PlaceInstance("i1", "nodeA")

	prev, changed := r.Reassign("i1", "nodeB")
	require.True(t, changed)
	require.Equal(t, "nodeA", prev)

	nodeID, ok := r.NodeOf("i1")
	require.True(t, ok)
	require.Equal(t, "nodeB", nodeID)

	nodeA, _ := r.Node("nodeA")
	require.Equal(t, 0, nodeA.ActiveInstanceCount)
	nodeB, _ := r.Node("nodeB")
	require.Equal(t, 1, nodeB.ActiveInstanceCount)
}

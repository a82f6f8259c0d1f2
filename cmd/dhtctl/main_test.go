package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fabnetdht/internal/config"
	"github.com/dreamware/fabnetdht/internal/dataops"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/operator"
	"github.com/dreamware/fabnetdht/internal/rangetable"
	"github.com/dreamware/fabnetdht/internal/rpcapi"
	"github.com/dreamware/fabnetdht/internal/usermeta"
)

type noopPeer struct{}

func (noopPeer) CheckHashRangeTable(context.Context, string, operator.CheckRequest) (operator.CheckResponse, error) {
	return operator.CheckResponse{}, nil
}
func (noopPeer) GetRangesTable(context.Context, string) ([]rangetable.HashRange, uint64, error) {
	return nil, 0, nil
}
func (noopPeer) UpdateHashRangeTable(context.Context, string, []rangetable.HashRange, []rangetable.HashRange) error {
	return nil
}
func (noopPeer) SplitRangeRequest(context.Context, string, dhtkey.Key) (bool, error) { return false, nil }

// startTestNode spins up a single-owner node behind httptest, returning
// its addr for the CLI commands under test to dial.
func startTestNode(t *testing.T) string {
	t.Helper()
	base := t.TempDir()

	table := rangetable.New()
	require.NoError(t, table.Append(dhtkey.Min, dhtkey.Max, "node-a"))

	ranges := map[fsrange.ContentClass]*fsrange.Range{}
	for _, class := range fsrange.AllClasses {
		r, err := fsrange.New(base, class, dhtkey.Min, dhtkey.Max)
		require.NoErrorf(t, err, "fsrange.New(%s)", class)
		ranges[class] = r
	}
	node := dataops.NewNode("node-a", "test-cluster", ranges, table, nil)
	op := operator.New(config.Defaults(), "node-a", table, noopPeer{}, nil)
	metaCache, err := usermeta.NewCache(8)
	require.NoError(t, err)
	t.Cleanup(metaCache.Flush)

	deps := &rpcapi.Deps{
		Node: node, Operator: op, Table: table, Meta: metaCache, Ranges: ranges,
		NodeName: "test-cluster", SelfAddr: "node-a", MetaReplicaCount: 1,
	}
	srv := httptest.NewServer(rpcapi.NewServer(deps))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestOwnerHashFromRequiresOwner(t *testing.T) {
	_, err := ownerHashFrom("")
	assert.Error(t, err)

	owner := dhtkey.SHA1([]byte("user"))
	got, err := ownerHashFrom(owner.String())
	require.NoError(t, err)
	assert.Equal(t, owner, got)
}

func TestStatusCmdAgainstRunningNode(t *testing.T) {
	addr := startTestNode(t)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--addr", addr})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "node: test-cluster")
}

func TestRangesCmdAgainstRunningNode(t *testing.T) {
	addr := startTestNode(t)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"ranges", "--addr", addr})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "node-a")
}

func TestPutCmdStoresFile(t *testing.T) {
	addr := startTestNode(t)
	dir := t.TempDir()
	src := dir + "/payload.txt"
	require.NoError(t, os.WriteFile(src, []byte("hello from dhtctl"), 0o644))
	owner := dhtkey.SHA1([]byte("owner"))

	root := newRootCmd()
	var putOut bytes.Buffer
	root.SetOut(&putOut)
	root.SetArgs([]string{"put", src, "--addr", addr, "--owner", owner.String()})
	require.NoError(t, root.Execute())
	assert.Contains(t, putOut.String(), "key:")
}

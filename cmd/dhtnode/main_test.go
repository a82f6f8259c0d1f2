package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fabnetdht/internal/config"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/operator"
	"github.com/dreamware/fabnetdht/internal/rangetable"
	"github.com/dreamware/fabnetdht/internal/rpcapi"
)

func TestJoinExistingTableRetriesUntilSeedIsUp(t *testing.T) {
	table := rangetable.New()
	require.NoError(t, table.Append(dhtkey.Min, dhtkey.Max, "seed-node"))

	var attempts int
	mux := http.NewServeMux()
	mux.Handle("/rpc", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rpcapi.NewServer(&rpcapi.Deps{Table: table}).ServeHTTP(w, r)
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := rpcapi.NewClient("joiner")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := srv.URL[len("http://"):]
	ranges, _, err := joinExistingTable(ctx, client, addr)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, "seed-node", ranges[0].Addr)
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestHandleNodeInfoReportsLocalRange(t *testing.T) {
	table := rangetable.New()
	require.NoError(t, table.Append(dhtkey.Min, dhtkey.Max, "node-a"))
	op := operator.New(config.Defaults(), "node-a", table, fakePeer{}, nil)
	require.NoError(t, op.StartAsDHTMember(context.Background()))

	rec := httptest.NewRecorder()
	handleNodeInfo(op, table, rec)

	assert.NotZero(t, rec.Body.Len(), "expected a JSON body")

	var info struct {
		HaveLocal  bool   `json:"have_local"`
		LocalStart string `json:"local_start"`
		LocalEnd   string `json:"local_end"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.True(t, info.HaveLocal)
	assert.Equal(t, dhtkey.Min.String(), info.LocalStart)
	assert.Equal(t, dhtkey.Max.String(), info.LocalEnd)
}

type fakePeer struct{}

func (fakePeer) CheckHashRangeTable(context.Context, string, operator.CheckRequest) (operator.CheckResponse, error) {
	return operator.CheckResponse{}, nil
}
func (fakePeer) GetRangesTable(context.Context, string) ([]rangetable.HashRange, uint64, error) {
	return nil, 0, nil
}
func (fakePeer) UpdateHashRangeTable(context.Context, string, []rangetable.HashRange, []rangetable.HashRange) error {
	return nil
}
func (fakePeer) SplitRangeRequest(context.Context, string, dhtkey.Key) (bool, error) {
	return false, nil
}

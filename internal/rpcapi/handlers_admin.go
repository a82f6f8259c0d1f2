package rpcapi

import (
	"context"
	"fmt"

	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/repair"
	"github.com/dreamware/fabnetdht/internal/transport"
)

// handleNodeStatistic reports this node's free-space headroom per
// content class, the figure an operator or dhtctl operator consults
// before deciding to trigger a repair or watch for disk pressure (spec
// §4.9's ALLOW/DANGER/MAX_USED_SIZE_PERCENTS thresholds are expressed
// in exactly these terms).
func handleNodeStatistic(_ context.Context, deps *Deps, _ transport.Request) transport.Response {
	classes := make(map[string]float64, len(deps.Ranges))
	for class, rng := range deps.Ranges {
		pct, err := rng.FreeSizePercents()
		if err != nil {
			return errResponse(err)
		}
		classes[string(class)] = pct
	}
	return okResponse(nodeStatisticResult{NodeName: deps.NodeName, Classes: classes}, nil)
}

// handleRepairDataBlocks runs the local+foreign data repair pass
// synchronously and returns its report. It is the admin-triggered
// counterpart to the periodic handoff Monitor.Run already performs on
// its own schedule (spec §4.9 "RepairProcess").
func handleRepairDataBlocks(ctx context.Context, deps *Deps, _ transport.Request) transport.Response {
	mdb, mdbOK := deps.Ranges[fsrange.ClassMasterData]
	rdb := deps.Ranges[fsrange.ClassReplicaData]
	mmd := deps.Ranges[fsrange.ClassMasterMeta]
	if !mdbOK {
		return errResponse(fmt.Errorf("rpcapi: repair_data_blocks: no local master-data range: %w", dhterrors.ErrIO))
	}

	report, err := repair.RepairProcess(ctx, deps.Node, mdb, rdb, mmd, deps.NodeName, deps.MetaReplicaCount)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(repairDataBlocksResult{
		ProcessedLocalBlocks:      report.ProcessedLocalBlocks,
		InvalidLocalBlocks:        report.InvalidLocalBlocks,
		RepairedForeignBlocks:     report.RepairedForeignBlocks,
		FailedRepairForeignBlocks: report.FailedRepairForeignBlocks,
	}, nil)
}

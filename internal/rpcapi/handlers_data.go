package rpcapi

import (
	"context"

	"github.com/dreamware/fabnetdht/internal/dataops"
	"github.com/dreamware/fabnetdht/internal/transport"
)

func handlePutDataBlock(ctx context.Context, deps *Deps, req transport.Request) transport.Response {
	var p putParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	dreq := dataops.PutDataBlockRequest{
		Key:            p.Key,
		Class:          p.Class,
		OwnerHash:      p.OwnerHash,
		ReplicaCount:   p.ReplicaCount,
		InitBlock:      p.InitBlock,
		CarefullySave:  p.CarefullySave,
		StoredUnixtime: p.StoredUnixtime,
	}
	if err := deps.Node.PutDataBlock(ctx, dreq, requestBody(req)); err != nil {
		return errResponse(err)
	}
	return okResponse(nil, nil)
}

func handleGetDataBlock(ctx context.Context, deps *Deps, req transport.Request) transport.Response {
	var p getParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	h, body, err := deps.Node.GetDataBlock(ctx, p.Key, p.Class, p.OwnerHash)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(headerToWire(h), body)
}

func handleDeleteDataBlock(ctx context.Context, deps *Deps, req transport.Request) transport.Response {
	var p deleteParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	if err := deps.Node.DeleteDataBlock(ctx, p.Key, p.Class, p.OwnerHash); err != nil {
		return errResponse(err)
	}
	return okResponse(nil, nil)
}

func handleCheckDataBlock(ctx context.Context, deps *Deps, req transport.Request) transport.Response {
	var p checkParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	if err := deps.Node.CheckDataBlock(ctx, p.Key, p.Class, p.Expected); err != nil {
		return errResponse(err)
	}
	return okResponse(nil, nil)
}

func handleClientPutData(ctx context.Context, deps *Deps, req transport.Request) transport.Response {
	var p clientPutParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	res, err := deps.Node.ClientPut(ctx, dataops.ClientPutRequest{
		Key:             p.Key,
		ReplicaCount:    p.ReplicaCount,
		WaitWritesCount: p.WaitWritesCount,
		InitBlock:       p.InitBlock,
		OwnerHash:       p.OwnerHash,
		Payload:         requestBody(req),
	})
	if err != nil {
		return errResponse(err)
	}
	return okResponse(clientPutResult{Key: res.Key, Checksum: res.Checksum, Size: res.Size}, nil)
}

func handleClientDeleteData(ctx context.Context, deps *Deps, req transport.Request) transport.Response {
	var p clientDeleteParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	res := deps.Node.ClientDelete(ctx, p.Keys, p.OwnerHash)
	wire := clientDeleteResult{Failed: res.Failed()}
	if len(res.Errors) > 0 {
		wire.Errors = make(map[string]string, len(res.Errors))
		for k, e := range res.Errors {
			wire.Errors[k.String()] = e.Error()
		}
	}
	return okResponse(wire, nil)
}

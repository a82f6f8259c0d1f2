// Package rpcapi is the named-method dispatch table for every wire
// method in spec §6: it decodes a transport.Request's Method/Parameters
// into a typed call against internal/dataops, internal/operator,
// internal/repair and internal/usermeta, and encodes the result back
// into a transport.Response. It also provides Client, the production
// implementation of operator.Peer, dataops.DataPeer and
// repair.RangePeer, built over internal/transport — the same seam each
// of those packages' tests fake out.
//
// The dispatch table itself is adapted from the teacher's
// internal/cluster request router: a map from method name to handler
// function, rather than a type switch, so adding a method never touches
// existing ones.
package rpcapi

import (
	"encoding/json"
	"fmt"

	"github.com/dreamware/fabnetdht/internal/dhterrors"
)

// decodeParams unmarshals raw into v, tolerating an empty/nil payload
// (some methods, like GetRangesTable, take no parameters).
func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("rpcapi: decoding parameters: %w", err)
	}
	return nil
}

// encodeParams marshals v for RetParameters, returning nil on a nil v
// (a success response with nothing further to report).
func encodeParams(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		// Every wire DTO in this package is a plain struct of primitives,
		// dhtkey.Key and rangetable.HashRange (all of which marshal
		// unconditionally), so this would indicate a programmer error in a
		// new DTO rather than a runtime condition to recover from.
		panic(fmt.Sprintf("rpcapi: encoding response parameters: %v", err))
	}
	return buf
}

// codeToErr reconstructs a sentinel-wrapped error from a non-OK wire
// response, the client-side mirror of dhterrors.CodeFor. Codes with no
// single corresponding sentinel (ErrorCode, JustWait, NeedUpdate) are
// returned as plain errors carrying the server's message: callers that
// care about those distinctions (internal/operator) read resp.Code
// directly rather than going through this helper.
func codeToErr(code dhterrors.Code, msg string) error {
	switch code {
	case dhterrors.OK:
		return nil
	case dhterrors.NoData:
		return fmt.Errorf("rpcapi: %s: %w", msg, dhterrors.ErrNoData)
	case dhterrors.OldData:
		return fmt.Errorf("rpcapi: %s: %w", msg, dhterrors.ErrOldData)
	case dhterrors.InvalidData:
		return fmt.Errorf("rpcapi: %s: %w", msg, dhterrors.ErrInvalidDataBlock)
	case dhterrors.NoFreeSpace:
		return fmt.Errorf("rpcapi: %s: %w", msg, dhterrors.ErrNoFreeSpace)
	case dhterrors.AlreadyExists:
		return fmt.Errorf("rpcapi: %s: %w", msg, dhterrors.ErrAlreadyExists)
	case dhterrors.MDNoFreeSpace:
		return fmt.Errorf("rpcapi: %s: %w", msg, dhterrors.ErrMDNoFreeSpace)
	case dhterrors.MDNotInit:
		return fmt.Errorf("rpcapi: %s: %w", msg, dhterrors.ErrNotInitialized)
	case dhterrors.PermissionDenied:
		return fmt.Errorf("rpcapi: %s: %w", msg, dhterrors.ErrPermissionDenied)
	case dhterrors.DontStarted:
		return fmt.Errorf("rpcapi: %s: %w", msg, dhterrors.ErrTransport)
	default:
		return fmt.Errorf("rpcapi: %s (code %s)", msg, code)
	}
}

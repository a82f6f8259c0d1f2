package rpcapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/dreamware/fabnetdht/internal/dataops"
	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/operator"
	"github.com/dreamware/fabnetdht/internal/rangetable"
	"github.com/dreamware/fabnetdht/internal/repair"
	"github.com/dreamware/fabnetdht/internal/usermeta"
	"github.com/dreamware/fabnetdht/internal/transport"
)

// Deps bundles everything a node's handlers need to serve a method
// call: the data plane, the membership operator, the shared ranges
// table, the metadata store cache, and the content-class directories a
// NodeStatistic/GetRangeDataRequest walk needs direct access to.
type Deps struct {
	Node     *dataops.Node
	Operator *operator.Operator
	Table    *rangetable.Table
	Monitor  *repair.Monitor
	Meta     *usermeta.Cache

	// Ranges holds this node's content-class directories directly, for
	// handlers (NodeStatistic, GetRangeDataRequest, RepairDataBlocks)
	// that need a *fsrange.Range rather than going through Node's
	// key-routed single-replica handlers.
	Ranges map[fsrange.ContentClass]*fsrange.Range

	NodeName         string
	SelfAddr         string
	MetaReplicaCount int
}

// handlerFunc is the shape every dispatch table entry implements:
// decode req.Parameters/req.BinaryData, do the work, encode the result.
type handlerFunc func(ctx context.Context, deps *Deps, req transport.Request) transport.Response

// Server is the net/http.Handler every node runs to answer RPC calls:
// a single ServeHTTP dispatches by req.Method into the table built in
// NewServer, mirroring the teacher's internal/cluster request router
// but keyed by method name rather than URL path (spec §6 "method,
// parameters").
type Server struct {
	deps *Deps
	mux  map[string]handlerFunc
}

// NewServer builds a Server with every spec §6 method wired in.
func NewServer(deps *Deps) *Server {
	s := &Server{deps: deps}
	s.mux = map[string]handlerFunc{
		"PutDataBlock":      handlePutDataBlock,
		"GetDataBlock":      handleGetDataBlock,
		"DeleteDataBlock":   handleDeleteDataBlock,
		"CheckDataBlock":    handleCheckDataBlock,
		"ClientPutData":     handleClientPutData,
		"ClientDeleteData":  handleClientDeleteData,

		"CheckHashRangeTable":  handleCheckHashRangeTable,
		"GetRangesTable":       handleGetRangesTable,
		"UpdateHashRangeTable": handleUpdateHashRangeTable,
		"SplitRangeRequest":    handleSplitRangeRequest,
		"SplitRangeCancel":     handleSplitRangeCancel,
		"PullSubrangeRequest":  handlePullSubrangeRequest,
		"GetRangeDataRequest":  handleGetRangeDataRequest,

		"GetKeysInfo":       handleGetKeysInfo,
		"UpdateUserProfile": handleUpdateUserProfile,
		"UpdateMetadata":    handleUpdateMetadata,
		"RestoreMetadata":   handleRestoreMetadata,
		"PutObjectPart":     handlePutObjectPart,
		"GetObjectInfo":     handleGetObjectInfo,

		"NodeStatistic":    handleNodeStatistic,
		"RepairDataBlocks": handleRepairDataBlocks,
	}
	return s
}

// ServeHTTP decodes the request envelope (framed if the body carries
// binary data, plain JSON otherwise, distinguished by Content-Type as
// internal/transport's two call styles already do), dispatches it, and
// writes the response back in the same style.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	framed := strings.Contains(r.Header.Get("Content-Type"), "application/octet-stream")

	var req transport.Request
	var err error
	if framed {
		req, err = transport.ReadFramedRequest(r.Body)
	} else {
		err = json.NewDecoder(r.Body).Decode(&req)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	handler, ok := s.mux[req.Method]
	if !ok {
		s.writeResponse(w, framed, transport.Response{
			RetCode:    int(dhterrors.ErrorCode),
			RetMessage: "rpcapi: unknown method " + req.Method,
		})
		return
	}

	resp := handler(r.Context(), s.deps, req)
	s.writeResponse(w, framed, resp)
	if c, ok := resp.BinaryData.(io.Closer); ok {
		c.Close()
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, framed bool, resp transport.Response) {
	if framed {
		w.Header().Set("Content-Type", "application/octet-stream")
		if err := transport.WriteFramedResponse(w, resp); err != nil {
			log.Printf("rpcapi: writing framed response: %v", err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("rpcapi: writing response: %v", err)
	}
}

// okResponse builds a success envelope, optionally carrying params and
// a streamed body.
func okResponse(params interface{}, body io.Reader) transport.Response {
	return transport.Response{
		RetCode:       int(dhterrors.OK),
		RetMessage:    "OK",
		RetParameters: encodeParams(params),
		BinaryData:    body,
	}
}

// errResponse translates err to its wire code via dhterrors.CodeFor,
// the one boundary every handler's error funnels through (spec §7
// "every internal error is translated at this one boundary").
func errResponse(err error) transport.Response {
	return transport.Response{
		RetCode:    int(dhterrors.CodeFor(err)),
		RetMessage: err.Error(),
	}
}

// requestBody returns req.BinaryData, or an empty reader if the call
// carried none (a plain transport.Call JSON request never sets it).
func requestBody(req transport.Request) io.Reader {
	if req.BinaryData != nil {
		return req.BinaryData
	}
	return strings.NewReader("")
}

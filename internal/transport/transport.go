// Package transport implements the wire envelope and JSON-over-HTTP
// call convention every RPC method in this core is dispatched through,
// adapted from the teacher's internal/cluster PostJSON/GetJSON pair
// (spec §6 "Transport contract").
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Role identifies which side of a call a sender claims to be, carried
// on every request so a handler can distinguish a client-originated
// call (ClientPut) from a peer-originated replica push (PutDataBlock)
// without a second round trip (spec §6 "sender, role").
type Role string

const (
	RoleClient Role = "client"
	RolePeer   Role = "peer"
)

// Request is the transport envelope every RPC method receives (spec
// §6: "request {method, parameters, binary_data?, sync, sender,
// role}"). Parameters carries the method's typed arguments as raw JSON
// so internal/rpcapi can decode into the concrete struct each handler
// expects; BinaryData optionally streams a block payload alongside it.
type Request struct {
	Method     string          `json:"method"`
	Parameters json.RawMessage `json:"parameters"`
	Sync       bool            `json:"sync"`
	Sender     string          `json:"sender"`
	Role       Role            `json:"role"`
	BinaryData io.Reader       `json:"-"`
}

// Response is the transport envelope every RPC method returns (spec
// §6: "response {ret_code, ret_message, ret_parameters, binary_data?}").
type Response struct {
	RetCode       int             `json:"ret_code"`
	RetMessage    string          `json:"ret_message"`
	RetParameters json.RawMessage `json:"ret_parameters,omitempty"`
	BinaryData    io.Reader       `json:"-"`
}

// client is the shared HTTP client used for all peer-to-peer and
// client-to-node calls, configured with a bounded timeout so a stalled
// peer surfaces as ErrTransport rather than hanging the caller
// indefinitely.
var client = &http.Client{Timeout: 30 * time.Second}

// Call sends req to url as a JSON POST and decodes the JSON response
// envelope. BinaryData on req is not sent (it is excluded from the JSON
// encoding); block transfers go through CallStream instead.
func Call(ctx context.Context, url string, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("transport: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("transport: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("transport: calling %s: %w", url, err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("transport: decoding response from %s: %w", url, err)
	}
	return resp, nil
}

// CallStream behaves like Call but streams binary after the JSON
// envelope on a single request body, and returns the raw HTTP response
// body as Response.BinaryData for the caller to consume (used by
// PutDataBlock/GetDataBlock/GetRangeDataRequest to move block payloads
// without buffering them in memory).
func CallStream(ctx context.Context, url string, req Request) (Response, func() error, error) {
	header, err := json.Marshal(envelopeHeader{
		Method:     req.Method,
		Parameters: req.Parameters,
		Sync:       req.Sync,
		Sender:     req.Sender,
		Role:       req.Role,
	})
	if err != nil {
		return Response{}, nil, fmt.Errorf("transport: encoding request: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()
		lenPrefix := [4]byte{}
		putUint32(lenPrefix[:], uint32(len(header)))
		if _, werr = pw.Write(lenPrefix[:]); werr != nil {
			return
		}
		if _, werr = pw.Write(header); werr != nil {
			return
		}
		if req.BinaryData != nil {
			_, werr = io.Copy(pw, req.BinaryData)
		}
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return Response{}, nil, fmt.Errorf("transport: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, nil, fmt.Errorf("transport: calling %s: %w", url, err)
	}

	hdr, body, err := readFramedEnvelope(httpResp.Body)
	if err != nil {
		httpResp.Body.Close()
		return Response{}, nil, fmt.Errorf("transport: decoding response from %s: %w", url, err)
	}

	resp := Response{
		RetCode:       hdr.RetCode,
		RetMessage:    hdr.RetMessage,
		RetParameters: hdr.RetParameters,
		BinaryData:    body,
	}
	return resp, httpResp.Body.Close, nil
}

type envelopeHeader struct {
	Method     string          `json:"method"`
	Parameters json.RawMessage `json:"parameters"`
	Sync       bool            `json:"sync"`
	Sender     string          `json:"sender"`
	Role       Role            `json:"role"`
}

type responseHeader struct {
	RetCode       int             `json:"ret_code"`
	RetMessage    string          `json:"ret_message"`
	RetParameters json.RawMessage `json:"ret_parameters,omitempty"`
}

func putUint32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func getUint32(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// readFramedEnvelope reads a 4-byte little-endian length prefix
// followed by that many bytes of JSON header, leaving the remainder of
// r available to the caller as the binary body.
func readFramedEnvelope(r io.Reader) (responseHeader, io.Reader, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return responseHeader{}, nil, fmt.Errorf("reading length prefix: %w", err)
	}
	n := getUint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return responseHeader{}, nil, fmt.Errorf("reading header: %w", err)
	}
	var hdr responseHeader
	if err := json.Unmarshal(buf, &hdr); err != nil {
		return responseHeader{}, nil, fmt.Errorf("decoding header: %w", err)
	}
	return hdr, r, nil
}

// WriteFramedResponse writes resp's JSON header length-prefixed to w,
// followed by resp.BinaryData if non-nil — the server-side counterpart
// to CallStream/readFramedEnvelope.
func WriteFramedResponse(w io.Writer, resp Response) error {
	hdr := responseHeader{RetCode: resp.RetCode, RetMessage: resp.RetMessage, RetParameters: resp.RetParameters}
	buf, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("transport: encoding response header: %w", err)
	}
	var lenPrefix [4]byte
	putUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("transport: writing length prefix: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("transport: writing response header: %w", err)
	}
	if resp.BinaryData != nil {
		if _, err := io.Copy(w, resp.BinaryData); err != nil {
			return fmt.Errorf("transport: writing binary body: %w", err)
		}
	}
	return nil
}

// ReadFramedRequest parses a request body written in the CallStream
// wire format, returning the decoded envelope header with BinaryData
// set to the remaining unread bytes of r.
func ReadFramedRequest(r io.Reader) (Request, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Request{}, fmt.Errorf("transport: reading length prefix: %w", err)
	}
	n := getUint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Request{}, fmt.Errorf("transport: reading header: %w", err)
	}
	var hdr envelopeHeader
	if err := json.Unmarshal(buf, &hdr); err != nil {
		return Request{}, fmt.Errorf("transport: decoding header: %w", err)
	}
	return Request{
		Method:     hdr.Method,
		Parameters: hdr.Parameters,
		Sync:       hdr.Sync,
		Sender:     hdr.Sender,
		Role:       hdr.Role,
		BinaryData: r,
	}, nil
}

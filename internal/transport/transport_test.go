package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCallRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("server decode: %v", err)
		}
		if req.Method != "GetKeysInfo" {
			t.Fatalf("method = %s, want GetKeysInfo", req.Method)
		}
		resp := Response{RetCode: 0, RetMessage: "OK"}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	resp, err := Call(context.Background(), srv.URL, Request{Method: "GetKeysInfo", Sender: "node-a", Role: RolePeer})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.RetCode != 0 || resp.RetMessage != "OK" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCallStreamRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := ReadFramedRequest(r.Body)
		if err != nil {
			t.Fatalf("server ReadFramedRequest: %v", err)
		}
		if req.Method != "PutDataBlock" {
			t.Fatalf("method = %s, want PutDataBlock", req.Method)
		}
		payload, err := io.ReadAll(req.BinaryData)
		if err != nil {
			t.Fatalf("reading payload: %v", err)
		}
		if string(payload) != "block-bytes" {
			t.Fatalf("payload = %q, want %q", payload, "block-bytes")
		}
		if err := WriteFramedResponse(w, Response{RetCode: 0, RetMessage: "OK"}); err != nil {
			t.Fatalf("WriteFramedResponse: %v", err)
		}
	}))
	defer srv.Close()

	resp, closeFn, err := CallStream(context.Background(), srv.URL, Request{
		Method:     "PutDataBlock",
		Sender:     "node-a",
		Role:       RolePeer,
		BinaryData: strings.NewReader("block-bytes"),
	})
	if err != nil {
		t.Fatalf("CallStream: %v", err)
	}
	defer closeFn()

	if resp.RetCode != 0 {
		t.Fatalf("RetCode = %d, want 0", resp.RetCode)
	}
}

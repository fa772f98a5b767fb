package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"multipool/internal/logging"
)

func jsonRPCHandler(t *testing.T, result any) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		resultBytes, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		resp := rpcResponse{ID: req.ID, Result: resultBytes}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestCallAnyReturnsFirstHealthyEndpoint(t *testing.T) {
	srv := httptest.NewServer(jsonRPCHandler(t, map[string]int{"height": 42}))
	defer srv.Close()

	c := New([]Endpoint{{URL: srv.URL}}, logging.New())

	var out struct {
		Height int `json:"height"`
	}
	if err := c.CallAny(context.Background(), "getblockcount", nil, &out); err != nil {
		t.Fatalf("CallAny: %v", err)
	}
	if out.Height != 42 {
		t.Fatalf("expected height 42, got %d", out.Height)
	}
}

func TestCallAnyFallsThroughToNextEndpoint(t *testing.T) {
	// A malformed, non-JSON-RPC body is a non-retryable decode error, so
	// CallAny should move on to the next endpoint immediately rather than
	// retrying the first one.
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer broken.Close()
	alive := httptest.NewServer(jsonRPCHandler(t, map[string]int{"height": 7}))
	defer alive.Close()

	c := New([]Endpoint{{URL: broken.URL}, {URL: alive.URL}}, logging.New())
	var out struct {
		Height int `json:"height"`
	}
	if err := c.CallAny(context.Background(), "getblockcount", nil, &out); err != nil {
		t.Fatalf("CallAny: %v", err)
	}
	if out.Height != 7 {
		t.Fatalf("expected height 7, got %d", out.Height)
	}
}

func TestCallAllExecutesEveryEndpoint(t *testing.T) {
	var hits atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		jsonRPCHandler(t, map[string]bool{"ok": true})(w, r)
	}
	srv1 := httptest.NewServer(http.HandlerFunc(handler))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(handler))
	defer srv2.Close()

	c := New([]Endpoint{{URL: srv1.URL}, {URL: srv2.URL}}, logging.New())
	ok, errs := c.CallAll(context.Background(), "submitblock", "deadbeef", nil)
	if !ok {
		t.Fatalf("expected at least one success, errs=%v", errs)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected both endpoints hit, got %d", hits.Load())
	}
}

func TestRetryDelayWithBackoffGrowsAndCaps(t *testing.T) {
	d1 := retryDelayWithBackoff(1)
	d5 := retryDelayWithBackoff(5)
	if d5 < d1 {
		t.Fatalf("expected backoff to grow with attempt count, got d1=%v d5=%v", d1, d5)
	}
	d20 := retryDelayWithBackoff(20)
	maxWithJitter := retryMaxDelay + retryMaxDelay/2
	if d20 > maxWithJitter {
		t.Fatalf("expected backoff to cap near retryMaxDelay, got %v", d20)
	}
}

func blockchainInfoHandler(t *testing.T, info blockchainInfo, peerCount int) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		var resultBytes []byte
		var err error
		switch req.Method {
		case "getblockchaininfo":
			resultBytes, err = json.Marshal(info)
		case "getpeerinfo":
			peers := make([]map[string]int, peerCount)
			resultBytes, err = json.Marshal(peers)
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		resp := rpcResponse{ID: req.ID, Result: resultBytes}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestCheckReadinessPassesWhenSyncedWithPeers(t *testing.T) {
	srv := httptest.NewServer(blockchainInfoHandler(t, blockchainInfo{Blocks: 100, Headers: 100}, 3))
	defer srv.Close()

	c := New([]Endpoint{{URL: srv.URL}}, logging.New())
	if err := c.CheckReadiness(context.Background()); err != nil {
		t.Fatalf("CheckReadiness: %v", err)
	}
}

func TestCheckReadinessFailsWithNoPeers(t *testing.T) {
	srv := httptest.NewServer(blockchainInfoHandler(t, blockchainInfo{Blocks: 100, Headers: 100}, 0))
	defer srv.Close()

	c := New([]Endpoint{{URL: srv.URL}}, logging.New())
	if err := c.CheckReadiness(context.Background()); err == nil {
		t.Fatal("expected an error when no endpoint reports any peers")
	}
}

func TestCheckReadinessFailsFastOnUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("unauthorized"))
	}))
	defer srv.Close()

	c := New([]Endpoint{{URL: srv.URL}}, logging.New())
	if err := c.CheckReadiness(context.Background()); err == nil {
		t.Fatal("expected an error for an unauthorized endpoint")
	}
}

func TestCheckReadinessWaitsOutInitialBlockDownload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		var resultBytes []byte
		var err error
		switch req.Method {
		case "getblockchaininfo":
			n := calls.Add(1)
			info := blockchainInfo{Blocks: 50, Headers: 100, InitialBlockDownload: n == 1}
			resultBytes, err = json.Marshal(info)
		case "getpeerinfo":
			resultBytes, err = json.Marshal([]map[string]int{{}})
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		resp := rpcResponse{ID: req.ID, Result: resultBytes}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	orig := syncPollInterval
	syncPollInterval = time.Millisecond
	defer func() { syncPollInterval = orig }()

	c := New([]Endpoint{{URL: srv.URL}}, logging.New())
	if err := c.CheckReadiness(context.Background()); err != nil {
		t.Fatalf("CheckReadiness: %v", err)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected CheckReadiness to re-poll after initial block download, got %d calls", calls.Load())
	}
}

func TestIsConnectivityErrorClassifiesServerErrors(t *testing.T) {
	err := &httpStatusError{StatusCode: http.StatusInternalServerError}
	if !isConnectivityError(err) {
		t.Fatal("expected 5xx to classify as connectivity error")
	}
	err2 := &httpStatusError{StatusCode: http.StatusBadRequest}
	if isConnectivityError(err2) {
		t.Fatal("expected 400 to not classify as connectivity error")
	}
}

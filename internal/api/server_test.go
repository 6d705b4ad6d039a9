package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Pool: config.PoolConfig{Name: "Test Pool", Fee: 1.0},
		API: config.APIConfig{
			Bind:       ":0",
			StatsCache: 5 * time.Second,
		},
	}

	return NewServer(cfg, st, nil, nil)
}

func TestNewServer(t *testing.T) {
	server := newTestServer(t)

	if server.cfg == nil {
		t.Error("Server.cfg should not be nil")
	}
	if server.store == nil {
		t.Error("Server.store should not be nil")
	}
	if server.router == nil {
		t.Error("Server.router should not be nil")
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var response map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("Response status = %s, want ok", response["status"])
	}
}

func TestCORSHeaders(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/stats", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS origin header not set")
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("CORS methods header not set")
	}
}

func TestHandleStats(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	if _, err := server.store.NewShare(ctx, "tos1miner"); err != nil {
		t.Fatalf("new share: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var response StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.Pool.TotalShares != 1 {
		t.Errorf("Pool.TotalShares = %d, want 1", response.Pool.TotalShares)
	}
	if response.Pool.Fee != 1.0 {
		t.Errorf("Pool.Fee = %f, want 1.0", response.Pool.Fee)
	}
	if response.Now == 0 {
		t.Error("Now should be set")
	}
}

func TestHandleStatsCache(t *testing.T) {
	server := newTestServer(t)

	req1 := httptest.NewRequest("GET", "/api/stats", nil)
	w1 := httptest.NewRecorder()
	server.router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Errorf("First request status = %d", w1.Code)
	}

	req2 := httptest.NewRequest("GET", "/api/stats", nil)
	w2 := httptest.NewRecorder()
	server.router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Errorf("Second request status = %d", w2.Code)
	}
}

func TestHandleBlocks(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	if _, err := server.store.NewBlock(ctx, 100, "0xabc", 500000000); err != nil {
		t.Fatalf("new block: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/blocks", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var response []BlockResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if len(response) != 1 {
		t.Fatalf("len(response) = %d, want 1", len(response))
	}
	if response[0].Height != 100 {
		t.Errorf("Height = %d, want 100", response[0].Height)
	}
	if response[0].Hash != "0xabc" {
		t.Errorf("Hash = %s, want 0xabc", response[0].Hash)
	}
}

func TestHandleMiner(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	if _, err := server.store.NewShare(ctx, "tos1miner"); err != nil {
		t.Fatalf("new share: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/miners/tos1miner", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var response MinerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.Address != "tos1miner" {
		t.Errorf("Address = %s, want tos1miner", response.Address)
	}
	if response.TotalShares != 1 {
		t.Errorf("TotalShares = %d, want 1", response.TotalShares)
	}
	if response.PendingShares != 1 {
		t.Errorf("PendingShares = %d, want 1", response.PendingShares)
	}
}

func TestHandleMinerUnknownAddress(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/miners/tos1nobody", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var response MinerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.TotalShares != 0 {
		t.Errorf("TotalShares = %d, want 0 for unknown address", response.TotalShares)
	}
}

func TestServerStartStop(t *testing.T) {
	server := newTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if err := server.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
}

func TestServerStopNotStarted(t *testing.T) {
	server := newTestServer(t)

	if err := server.Stop(); err != nil {
		t.Errorf("Stop() returned error: %v", err)
	}
}

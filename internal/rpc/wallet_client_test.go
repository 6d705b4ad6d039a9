package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func mockWalletRPCServer(t *testing.T, handler func(req WalletRPCRequest) (interface{}, *RPCError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req WalletRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		result, rpcErr := handler(req)

		resp := WalletRPCResponse{JSONRPC: "2.0", ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			b, _ := json.Marshal(result)
			resp.Result = b
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestWalletGetBalance(t *testing.T) {
	server := mockWalletRPCServer(t, func(req WalletRPCRequest) (interface{}, *RPCError) {
		if req.Method != "get_balance" {
			t.Errorf("Method = %s, want get_balance", req.Method)
		}
		return uint64(123456789), nil
	})
	defer server.Close()

	client := NewWalletClient(server.URL, "", "")
	balance, err := client.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 123456789 {
		t.Errorf("Balance = %d, want 123456789", balance)
	}
}

func TestWalletIsOnline(t *testing.T) {
	server := mockWalletRPCServer(t, func(req WalletRPCRequest) (interface{}, *RPCError) {
		if req.Method != "is_online" {
			t.Errorf("Method = %s, want is_online", req.Method)
		}
		return true, nil
	})
	defer server.Close()

	client := NewWalletClient(server.URL, "", "")
	online, err := client.IsOnline(context.Background())
	if err != nil {
		t.Fatalf("IsOnline failed: %v", err)
	}
	if !online {
		t.Error("expected wallet to report online")
	}
}

func TestWalletBuildTransaction(t *testing.T) {
	server := mockWalletRPCServer(t, func(req WalletRPCRequest) (interface{}, *RPCError) {
		if req.Method != "build_transaction" {
			t.Errorf("Method = %s, want build_transaction", req.Method)
		}
		params, ok := req.Params.(map[string]interface{})
		if !ok {
			t.Fatal("params should be an object")
		}
		if params["broadcast"] != true {
			t.Error("expected broadcast=true")
		}
		return map[string]interface{}{"hash": "0xbatch"}, nil
	})
	defer server.Close()

	client := NewWalletClient(server.URL, "user", "pass")
	destinations := []TransferDestination{
		{Address: "tos1alice", Amount: 1000},
		{Address: "tos1bob", Amount: 2000},
	}

	resp, err := client.BuildTransaction(context.Background(), destinations, true)
	if err != nil {
		t.Fatalf("BuildTransaction failed: %v", err)
	}
	if resp.Hash != "0xbatch" {
		t.Errorf("Hash = %s, want 0xbatch", resp.Hash)
	}
}

func TestWalletBuildTransactionRPCError(t *testing.T) {
	server := mockWalletRPCServer(t, func(req WalletRPCRequest) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -32000, Message: "insufficient balance"}
	})
	defer server.Close()

	client := NewWalletClient(server.URL, "", "")
	_, err := client.BuildTransaction(context.Background(), []TransferDestination{{Address: "tos1alice", Amount: 1}}, true)
	if err == nil {
		t.Error("expected error from insufficient balance")
	}
}

func TestWalletCallUsesBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		resp := WalletRPCResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`0`)}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewWalletClient(server.URL, "rpcuser", "rpcpass")
	if _, err := client.GetBalance(context.Background()); err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !gotOK || gotUser != "rpcuser" || gotPass != "rpcpass" {
		t.Errorf("basic auth = (%s, %s, %v), want (rpcuser, rpcpass, true)", gotUser, gotPass, gotOK)
	}
}

// Package rpc provides TOS node communication using the native TOS daemon
// JSON-RPC API (get_block_template, submit_block, get_info, p2p_status,
// get_transaction, get_block_by_hash) — not the Ethereum-style method set the
// pool's upstream used to speak.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/stratum-pool/internal/util"
)

// TOSClient handles communication with a TOS node using the native TOS
// daemon API. Only the calls the pool's collaborators actually drive
// (block template polling, block submission, network info, transaction and
// block status lookups) are exposed here.
type TOSClient struct {
	url          string
	timeout      time.Duration
	client       *http.Client
	requestID    uint64
	minerAddress string // address embedded in get_block_template requests

	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewTOSClient creates a new TOS RPC client.
func NewTOSClient(url string, timeout time.Duration) *TOSClient {
	return &TOSClient{
		url:     url,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// SetMinerAddress sets the address get_block_template requests credit the
// block reward to. Configured once from the pool's account_name at startup.
func (c *TOSClient) SetMinerAddress(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minerAddress = address
}

// NativeRPCRequest represents a TOS native JSON-RPC request with object params.
type NativeRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

// RPCResponse represents a JSON-RPC response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BlockTemplate represents a mining block template returned by
// get_block_template.
type BlockTemplate struct {
	HeaderHash string `json:"headerHash"`
	Height     uint64 `json:"height"`
	Difficulty uint64 `json:"difficulty"`
}

// BlockInfo represents block information decoded from get_block_by_hash /
// get_block_at_topoheight.
type BlockInfo struct {
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Height     uint64 `json:"number"`
	Timestamp  uint64 `json:"timestamp"`
	Difficulty uint64 `json:"difficulty"`
	Miner      string `json:"miner"`
	Reward     uint64 `json:"reward"`
	TxFees     uint64 `json:"txFees"`
}

// NetworkInfo represents network statistics derived from get_info and
// p2p_status.
type NetworkInfo struct {
	Height     uint64 `json:"height"`
	Difficulty uint64 `json:"difficulty"`
	Hashrate   uint64 `json:"hashrate"`
	PeerCount  int    `json:"peerCount"`
	Syncing    bool   `json:"syncing"`
}

// TxReceipt represents the confirmation status of a submitted transaction.
type TxReceipt struct {
	TxHash      string `json:"transactionHash"`
	BlockHash   string `json:"blockHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Status      uint64 `json:"status"`
}

// GetBlockTemplateResult represents the get_block_template response.
type GetBlockTemplateResult struct {
	Template   string `json:"template"`
	Algorithm  string `json:"algorithm"`
	Height     uint64 `json:"height"`
	TopoHeight uint64 `json:"topoheight"`
	Difficulty string `json:"difficulty"`
}

// GetInfoResult represents the get_info response.
type GetInfoResult struct {
	Height           uint64 `json:"height"`
	TopoHeight       uint64 `json:"topoheight"`
	StableHeight     uint64 `json:"stableheight"`
	TopBlockHash     string `json:"top_block_hash"`
	Difficulty       string `json:"difficulty"`
	BlockTimeTarget  uint64 `json:"block_time_target"`
	AverageBlockTime uint64 `json:"average_block_time"`
	Version          string `json:"version"`
	Network          string `json:"network"`
}

// P2pStatusResult represents the p2p_status response.
type P2pStatusResult struct {
	PeerCount      uint64 `json:"peer_count"`
	OurTopoHeight  uint64 `json:"our_topoheight"`
	BestTopoHeight uint64 `json:"best_topoheight"`
}

// RPCBlockResponse represents the get_block_at_topoheight/get_block_by_hash
// response.
type RPCBlockResponse struct {
	Hash        string   `json:"hash"`
	Difficulty  string   `json:"difficulty"`
	Reward      uint64   `json:"reward"`
	MinerReward uint64   `json:"miner_reward"`
	TotalFees   uint64   `json:"total_fees"`
	Tips        []string `json:"tips"`
	Timestamp   uint64   `json:"timestamp"`
	Height      uint64   `json:"height"`
	Miner       string   `json:"miner"`
	TxsHashes   []string `json:"txs_hashes"`
}

// rpcURL returns the full RPC endpoint URL with the /json_rpc path the TOS
// daemon expects.
func (c *TOSClient) rpcURL() string {
	url := c.url
	if !strings.HasSuffix(url, "/json_rpc") {
		url = strings.TrimSuffix(url, "/") + "/json_rpc"
	}
	return url
}

// call makes an RPC call using the TOS native request format (object params).
func (c *TOSClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	req := NativeRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}

	if rpcResp.Error != nil {
		c.recordFailure()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

func (c *TOSClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

func (c *TOSClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 {
		c.healthy = false
		util.Warnf("TOS node marked unhealthy after %d failures", c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the node is healthy.
func (c *TOSClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func parseDifficulty(diff string) uint64 {
	val, err := strconv.ParseUint(diff, 10, 64)
	if err != nil {
		return 0
	}
	return val
}

// GetBlockTemplate returns the current mining work using get_block_template.
func (c *TOSClient) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	c.mu.RLock()
	minerAddr := c.minerAddress
	c.mu.RUnlock()

	params := map[string]interface{}{
		"address": minerAddr,
	}

	result, err := c.call(ctx, "get_block_template", params)
	if err != nil {
		return nil, err
	}

	var templateResult GetBlockTemplateResult
	if err := json.Unmarshal(result, &templateResult); err != nil {
		return nil, fmt.Errorf("failed to parse block template: %w", err)
	}

	return &BlockTemplate{
		HeaderHash: templateResult.Template,
		Height:     templateResult.Height,
		Difficulty: parseDifficulty(templateResult.Difficulty),
	}, nil
}

// SubmitBlock submits a mined block template (with the miner's embedded
// work, if any) using submit_block.
func (c *TOSClient) SubmitBlock(ctx context.Context, blockTemplate string, minerWork string) (bool, error) {
	params := map[string]interface{}{
		"block_template": blockTemplate,
	}
	if minerWork != "" {
		params["miner_work"] = minerWork
	}

	result, err := c.call(ctx, "submit_block", params)
	if err != nil {
		return false, err
	}

	var success bool
	if err := json.Unmarshal(result, &success); err != nil {
		// Some daemons return the block hash instead of a bool on success.
		return result != nil && string(result) != "null", nil
	}

	return success, nil
}

// convertBlockResponse converts a TOS native block response to BlockInfo.
func convertBlockResponse(native *RPCBlockResponse) *BlockInfo {
	parentHash := ""
	if len(native.Tips) > 0 {
		parentHash = native.Tips[0]
	}

	return &BlockInfo{
		Hash:       native.Hash,
		ParentHash: parentHash,
		Height:     native.Height,
		Timestamp:  native.Timestamp / 1000,
		Difficulty: parseDifficulty(native.Difficulty),
		Miner:      native.Miner,
		Reward:     native.MinerReward,
		TxFees:     native.TotalFees,
	}
}

// GetBlockByHash returns block information by hash using get_block_by_hash.
func (c *TOSClient) GetBlockByHash(ctx context.Context, hash string) (*BlockInfo, error) {
	params := map[string]interface{}{
		"hash": hash,
	}

	result, err := c.call(ctx, "get_block_by_hash", params)
	if err != nil {
		return nil, err
	}

	if string(result) == "null" {
		return nil, nil
	}

	var blockResp RPCBlockResponse
	if err := json.Unmarshal(result, &blockResp); err != nil {
		return nil, err
	}

	return convertBlockResponse(&blockResp), nil
}

// GetNetworkInfo returns network information by combining get_info and
// p2p_status.
func (c *TOSClient) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	infoResult, err := c.call(ctx, "get_info", nil)
	if err != nil {
		return nil, err
	}

	var info GetInfoResult
	if err := json.Unmarshal(infoResult, &info); err != nil {
		return nil, err
	}

	p2pResult, err := c.call(ctx, "p2p_status", nil)
	if err != nil {
		return nil, err
	}

	var p2p P2pStatusResult
	if err := json.Unmarshal(p2pResult, &p2p); err != nil {
		return nil, err
	}

	syncing := p2p.OurTopoHeight < p2p.BestTopoHeight

	var hashrate uint64
	if info.AverageBlockTime > 0 {
		hashrate = parseDifficulty(info.Difficulty) * 1000 / info.AverageBlockTime
	}

	return &NetworkInfo{
		Height:     info.TopoHeight,
		Difficulty: parseDifficulty(info.Difficulty),
		Hashrate:   hashrate,
		PeerCount:  int(p2p.PeerCount),
		Syncing:    syncing,
	}, nil
}

// GetTransactionReceipt returns the confirmation status of a submitted
// transaction using get_transaction. TOS has no gas/receipt model of its
// own; Status is 1 once the transaction is found in a block.
func (c *TOSClient) GetTransactionReceipt(ctx context.Context, txHash string) (*TxReceipt, error) {
	params := map[string]interface{}{
		"hash": txHash,
	}

	result, err := c.call(ctx, "get_transaction", params)
	if err != nil {
		return nil, err
	}

	if string(result) == "null" {
		return nil, nil
	}

	var txData struct {
		Hash       string `json:"hash"`
		InBlock    string `json:"in_block_hash"`
		TopoHeight uint64 `json:"topoheight"`
	}
	if err := json.Unmarshal(result, &txData); err != nil {
		return nil, err
	}

	var status uint64
	if txData.InBlock != "" {
		status = 1
	}

	return &TxReceipt{
		TxHash:      txData.Hash,
		BlockHash:   txData.InBlock,
		BlockNumber: txData.TopoHeight,
		Status:      status,
	}, nil
}

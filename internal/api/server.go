// Package api exposes the read-only HTTP stats surface named by the
// coordinator's wire contract: /api/stats, /api/blocks,
// /api/miners/:address, /health. Backed by internal/store instead of the
// teacher's Redis aggregates (admin/blacklist/whitelist/backup/chart
// endpoints are dropped — those belong to operator tooling, not the
// read-only stats contract this package implements).
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/rpc"
	"github.com/tos-network/stratum-pool/internal/store"
	"github.com/tos-network/stratum-pool/internal/util"
)

// Server is the read-only stats API server.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	node   *rpc.TOSClient
	wallet *rpc.WalletClient

	router *gin.Engine
	server *http.Server

	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time
}

// StatsResponse is the /api/stats response.
type StatsResponse struct {
	Pool PoolStats `json:"pool"`
	Now  int64     `json:"now"`
}

// PoolStats summarizes the store's current state.
type PoolStats struct {
	TotalShares   int64   `json:"total_shares"`
	BlocksFound   int64   `json:"blocks_found"`
	CurrentPeriod int64   `json:"current_payout_period_id"`
	PeriodStartMs int64   `json:"current_payout_period_start_ms"`
	Fee           float64 `json:"fee"`
}

// BlockResponse is one entry of the /api/blocks response.
type BlockResponse struct {
	Height    uint32 `json:"height"`
	Hash      string `json:"hash"`
	Reward    uint64 `json:"reward"`
	Main      bool   `json:"main"`
	Confirmed bool   `json:"confirmed"`
}

// MinerResponse is the /api/miners/:address response.
type MinerResponse struct {
	Address       string `json:"address"`
	TotalShares   int64  `json:"total_shares"`
	PendingShares int64  `json:"pending_shares"`
	PaidShares    int64  `json:"paid_shares"`
}

// NewServer creates a new read-only API server backed by the relational
// store. node and wallet are optional; when set, /health also reports
// upstream node/wallet reachability instead of just the process being alive.
func NewServer(cfg *config.Config, st *store.Store, node *rpc.TOSClient, wallet *rpc.WalletClient) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{cfg: cfg, store: st, node: node, wallet: wallet, router: router}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/blocks", s.handleBlocks)
		api.GET("/miners/:address", s.handleMiner)
	}

	s.router.GET("/health", s.handleHealth)
}

// handleHealth reports process liveness plus, when a node/wallet RPC client
// is wired, whether the upstream daemon and wallet are currently reachable.
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}

	if s.node != nil {
		body["node_healthy"] = s.node.IsHealthy()
	}
	if s.wallet != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		online, err := s.wallet.IsOnline(ctx)
		body["wallet_online"] = err == nil && online
	}

	c.JSON(200, body)
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.server = &http.Server{Addr: s.cfg.API.Bind, Handler: s.router}

	util.Infof("API server listening on %s", s.cfg.API.Bind)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts down the API server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// handleStats returns a pool-wide summary, cached for cfg.API.StatsCache.
func (s *Server) handleStats(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.API.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(200, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	ctx := c.Request.Context()

	totalShares, err := s.store.TotalShareCount(ctx, "")
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get share count"})
		return
	}
	blocksFound, err := s.store.TotalBlockCount(ctx)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get block count"})
		return
	}

	var periodID, periodStart int64
	if period, err := s.store.GetCurrentPayoutPeriod(ctx); err == nil && period != nil {
		periodID, periodStart = period.ID, period.StartMs
	}

	response := &StatsResponse{
		Pool: PoolStats{
			TotalShares:   totalShares,
			BlocksFound:   blocksFound,
			CurrentPeriod: periodID,
			PeriodStartMs: periodStart,
			Fee:           s.cfg.Pool.Fee,
		},
		Now: time.Now().Unix(),
	}

	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(200, response)
}

// handleBlocks returns the most recently found blocks, newest first.
func (s *Server) handleBlocks(c *gin.Context) {
	blocks, err := s.store.ListBlocks(c.Request.Context(), 50)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to list blocks"})
		return
	}

	out := make([]BlockResponse, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, BlockResponse{
			Height:    b.Sequence,
			Hash:      b.Hash,
			Reward:    b.MinerReward,
			Main:      b.Main,
			Confirmed: b.Confirmed,
		})
	}
	c.JSON(200, out)
}

// handleMiner returns share counts for a single address.
func (s *Server) handleMiner(c *gin.Context) {
	address := c.Param("address")
	ctx := c.Request.Context()

	total, err := s.store.TotalShareCount(ctx, address)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get share count"})
		return
	}
	pendingIDs, err := s.store.GetSharesPendingPayout(ctx, address)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get pending shares"})
		return
	}
	paid, err := s.store.MinerPaidShareCount(ctx, address)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get paid shares"})
		return
	}

	c.JSON(200, MinerResponse{
		Address:       address,
		TotalShares:   total,
		PendingShares: int64(len(pendingIDs)),
		PaidShares:    paid,
	})
}

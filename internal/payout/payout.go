// Package payout implements the payout engine (spec §4.J): period
// rollover, transaction/block status reconciliation against the upstream
// node, and proportional-by-share-count payout construction. Grounded on
// the teacher's internal/master/master.go payout loop shape (ticker + done
// channel per concern: payoutLoop/processPayouts, unlockerLoop/processBlocks)
// restructured around the spec's relational share store instead of Redis
// PPLNS windows, and internal/rpc/wallet_client.go's transfer-building idiom
// for the sendTransaction step.
package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/tos-network/stratum-pool/internal/store"
	"github.com/tos-network/stratum-pool/internal/util"
)

// TransactionStatus is what the upstream node reports for a pending payout
// transaction hash.
type TransactionStatus struct {
	Confirmed bool
	Expired   bool
}

// BlockStatus is what the upstream node reports for a submitted block hash.
type BlockStatus struct {
	Main      bool
	Confirmed bool
}

// Output is one recipient leg of a payout transaction.
type Output struct {
	Address string
	Amount  uint64
	Memo    string
	Asset   string
}

// Upstream is the subset of the full-node/wallet RPC surface the payout
// engine needs (spec §4.J "queries the upstream node (outside the core)").
type Upstream interface {
	TransactionStatus(ctx context.Context, hash string) (TransactionStatus, error)
	BlockStatus(ctx context.Context, hash string) (BlockStatus, error)
	AvailableBalance(ctx context.Context, asset string) (uint64, error)
	SendTransaction(ctx context.Context, outputs []Output, fee uint64) (hash string, err error)
}

// Config holds the payout engine's tunables.
type Config struct {
	PoolName          string
	Asset             string
	PeriodDuration    time.Duration
	ReconcileInterval time.Duration
}

// Engine is the payout engine.
type Engine struct {
	cfg      Config
	store    *store.Store
	upstream Upstream

	quit chan struct{}
	done chan struct{}
}

// New creates a payout Engine.
func New(cfg Config, s *store.Store, upstream Upstream) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    s,
		upstream: upstream,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the rollover/reconciliation/construction loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop cancels the loop and waits for the current iteration to finish
// (spec §5 "the share store closes only after the payout engine's current
// iteration completes").
func (e *Engine) Stop() {
	close(e.quit)
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)

	interval := e.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	ctx := context.Background()

	if err := e.rolloverIfDue(ctx); err != nil {
		util.Errorf("payout: rollover: %v", err)
	}
	if err := e.reconcileTransactions(ctx); err != nil {
		util.Errorf("payout: reconcile transactions: %v", err)
	}
	if err := e.reconcileBlocks(ctx); err != nil {
		util.Errorf("payout: reconcile blocks: %v", err)
	}
	if err := e.constructPayout(ctx); err != nil {
		util.Errorf("payout: construct payout: %v", err)
	}
}

// rolloverIfDue rolls the current period over once it has run for
// cfg.PeriodDuration (spec §4.J "Period rollover").
func (e *Engine) rolloverIfDue(ctx context.Context) error {
	period, err := e.store.GetCurrentPayoutPeriod(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	duration := e.cfg.PeriodDuration.Milliseconds()

	if period != nil && period.StartMs > now-duration {
		return nil
	}

	_, err = e.store.RolloverPayoutPeriod(ctx, now)
	return err
}

// reconcileTransactions advances every unconfirmed payout transaction's
// status and re-opens its period if the transaction expired unconfirmed.
func (e *Engine) reconcileTransactions(ctx context.Context) error {
	pending, err := e.store.UnconfirmedPayoutTransactions(ctx)
	if err != nil {
		return err
	}

	for _, tx := range pending {
		status, err := e.upstream.TransactionStatus(ctx, tx.Hash)
		if err != nil {
			util.Warnf("payout: transaction status for %s: %v", tx.Hash, err)
			continue
		}

		if err := e.store.UpdateTransactionStatus(ctx, tx.ID, status.Confirmed, status.Expired); err != nil {
			return err
		}

		if status.Expired && !status.Confirmed {
			if err := e.store.MarkSharesUnpaid(ctx, tx.ID); err != nil {
				return err
			}
			util.Warnf("payout: transaction %s expired unconfirmed, period %d re-opened", tx.Hash, tx.PayoutPeriodID)
		}
	}
	return nil
}

// reconcileBlocks pulls main/confirmed for every unconfirmed block.
func (e *Engine) reconcileBlocks(ctx context.Context) error {
	blocks, err := e.store.UnconfirmedBlocks(ctx)
	if err != nil {
		return err
	}

	for _, b := range blocks {
		status, err := e.upstream.BlockStatus(ctx, b.Hash)
		if err != nil {
			util.Warnf("payout: block status for %s: %v", b.Hash, err)
			continue
		}
		if err := e.store.UpdateBlockStatus(ctx, b.ID, status.Main, status.Confirmed); err != nil {
			return err
		}
	}
	return nil
}

// ErrInsufficientBalance names the case where the upstream's available
// balance cannot cover the pending payout. constructPayout does not return
// it: it logs a warning and returns nil, leaving the period outstanding for
// the next tick.
var ErrInsufficientBalance = fmt.Errorf("insufficient upstream balance")

// constructPayout builds and sends one payout transaction for the earliest
// outstanding period, per spec §4.J steps 1-10.
func (e *Engine) constructPayout(ctx context.Context) error {
	period, err := e.store.EarliestOutstandingPayoutPeriod(ctx)
	if err != nil {
		return err
	}
	if period == nil {
		return nil
	}

	confirmed, err := e.store.PayoutPeriodBlocksConfirmed(ctx, period.ID)
	if err != nil {
		return err
	}
	if !confirmed {
		return nil
	}

	addrs, err := e.store.PayoutAddresses(ctx, period.ID)
	if err != nil {
		return err
	}
	var totalShares int64
	for _, a := range addrs {
		totalShares += a.ShareCount
	}
	if totalShares == 0 {
		return nil
	}

	totalReward, err := e.store.GetPayoutReward(ctx, period.ID)
	if err != nil {
		return err
	}
	if totalReward == 0 {
		return e.store.DeleteUnpayableShares(ctx, period.ID)
	}

	fee := uint64(len(addrs))
	if fee > totalReward {
		// Not enough reward to cover even the flat per-recipient fee.
		return e.store.DeleteUnpayableShares(ctx, period.ID)
	}

	amountPerShare := (totalReward - fee) / uint64(totalShares)

	if amountPerShare*uint64(totalShares)+fee > totalReward {
		return fmt.Errorf("payout sanity check failed for period %d", period.ID)
	}

	required := amountPerShare*uint64(totalShares) + fee
	balance, err := e.upstream.AvailableBalance(ctx, e.cfg.Asset)
	if err != nil {
		return err
	}
	if balance < required {
		util.Warnf("payout: insufficient balance for period %d: have %d need %d", period.ID, balance, required)
		return nil
	}

	outputs := make([]Output, 0, len(addrs))
	addresses := make([]string, 0, len(addrs))
	for _, a := range addrs {
		outputs = append(outputs, Output{
			Address: a.PublicAddress,
			Amount:  amountPerShare * uint64(a.ShareCount),
			Memo:    fmt.Sprintf("%s payout %d", e.cfg.PoolName, period.ID),
			Asset:   e.cfg.Asset,
		})
		addresses = append(addresses, a.PublicAddress)
	}

	hash, err := e.upstream.SendTransaction(ctx, outputs, fee)
	if err != nil {
		util.Errorf("payout: send transaction for period %d failed: %v", period.ID, err)
		return nil
	}

	txID, err := e.store.NewTransaction(ctx, hash, period.ID)
	if err != nil {
		return err
	}
	return e.store.MarkSharesPaid(ctx, period.ID, txID, addresses)
}

package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewShareOpensFirstPeriod(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.NewShare(ctx, "alice"); err != nil {
		t.Fatalf("new share: %v", err)
	}

	period, err := s.GetCurrentPayoutPeriod(ctx)
	if err != nil {
		t.Fatalf("get current payout period: %v", err)
	}
	if period == nil {
		t.Fatalf("expected an open period after first share")
	}

	count, err := s.PayoutPeriodShareCount(ctx, period.ID)
	if err != nil {
		t.Fatalf("share count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 share, got %d", count)
	}
}

func TestRolloverPayoutPeriodNoOpSemantics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p1, err := s.RolloverPayoutPeriod(ctx, 1000)
	if err != nil {
		t.Fatalf("rollover 1: %v", err)
	}
	p2, err := s.RolloverPayoutPeriod(ctx, 2000)
	if err != nil {
		t.Fatalf("rollover 2: %v", err)
	}
	if p1.ID == p2.ID {
		t.Fatalf("expected distinct periods after rollover")
	}

	current, err := s.GetCurrentPayoutPeriod(ctx)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if current.ID != p2.ID {
		t.Fatalf("expected p2 to be current")
	}
}

func TestUpdateBlockStatusIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blockID, err := s.NewBlock(ctx, 1, "0xdead", -500)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}

	if err := s.UpdateBlockStatus(ctx, blockID, true, true); err != nil {
		t.Fatalf("update block status: %v", err)
	}
	// Idempotent: same values again should not error.
	if err := s.UpdateBlockStatus(ctx, blockID, true, true); err != nil {
		t.Fatalf("idempotent update block status: %v", err)
	}

	blocks, err := s.UnconfirmedBlocks(ctx)
	if err != nil {
		t.Fatalf("unconfirmed blocks: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("expected no unconfirmed blocks after confirming, got %d", len(blocks))
	}
}

func TestNewBlockNormalizesNegativeReward(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	periodID, err := func() (int64, error) {
		p, err := s.RolloverPayoutPeriod(ctx, 1)
		return p.ID, err
	}()
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}

	blockID, err := s.NewBlock(ctx, 1, "0xbeef", -1_000_000)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	if err := s.UpdateBlockStatus(ctx, blockID, true, true); err != nil {
		t.Fatalf("update block status: %v", err)
	}

	reward, err := s.GetPayoutReward(ctx, periodID)
	if err != nil {
		t.Fatalf("get payout reward: %v", err)
	}
	if reward != 1_000_000 {
		t.Fatalf("expected reward normalized to positive 1000000, got %d", reward)
	}
}

func TestPayoutLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Open period, accumulate shares from alice and bob.
	period, err := s.RolloverPayoutPeriod(ctx, 1)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := s.NewShare(ctx, "alice"); err != nil {
			t.Fatalf("share: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		if _, err := s.NewShare(ctx, "bob"); err != nil {
			t.Fatalf("share: %v", err)
		}
	}

	blockID, err := s.NewBlock(ctx, 1, "0xblock", 1_000_000)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	if err := s.UpdateBlockStatus(ctx, blockID, true, true); err != nil {
		t.Fatalf("confirm block: %v", err)
	}

	// Seal the period.
	if _, err := s.RolloverPayoutPeriod(ctx, 2); err != nil {
		t.Fatalf("rollover 2: %v", err)
	}

	outstanding, err := s.EarliestOutstandingPayoutPeriod(ctx)
	if err != nil {
		t.Fatalf("earliest outstanding: %v", err)
	}
	if outstanding == nil || outstanding.ID != period.ID {
		t.Fatalf("expected period %d outstanding, got %+v", period.ID, outstanding)
	}

	confirmed, err := s.PayoutPeriodBlocksConfirmed(ctx, period.ID)
	if err != nil {
		t.Fatalf("blocks confirmed: %v", err)
	}
	if !confirmed {
		t.Fatalf("expected all blocks confirmed")
	}

	addrs, err := s.PayoutAddresses(ctx, period.ID)
	if err != nil {
		t.Fatalf("payout addresses: %v", err)
	}
	var total int64
	for _, a := range addrs {
		total += a.ShareCount
	}
	if total != 15 {
		t.Fatalf("expected 15 total shares, got %d", total)
	}

	reward, err := s.GetPayoutReward(ctx, period.ID)
	if err != nil {
		t.Fatalf("get payout reward: %v", err)
	}
	if reward != 1_000_000 {
		t.Fatalf("expected reward 1000000, got %d", reward)
	}

	txID, err := s.NewTransaction(ctx, "0xdeadbeef", period.ID)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	if err := s.MarkSharesPaid(ctx, period.ID, txID, []string{"alice", "bob"}); err != nil {
		t.Fatalf("mark shares paid: %v", err)
	}

	pending, err := s.GetSharesPendingPayout(ctx, "")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending shares after marking paid, got %d", len(pending))
	}

	// Confirm the transaction: shares become terminally paid.
	if err := s.UpdateTransactionStatus(ctx, txID, true, false); err != nil {
		t.Fatalf("confirm tx: %v", err)
	}

	// Expiration path: unpay the transaction's shares.
	if err := s.MarkSharesUnpaid(ctx, txID); err != nil {
		t.Fatalf("mark unpaid: %v", err)
	}
	pending, err = s.GetSharesPendingPayout(ctx, "")
	if err != nil {
		t.Fatalf("pending after unpay: %v", err)
	}
	if len(pending) != 15 {
		t.Fatalf("expected 15 pending shares after unpay, got %d", len(pending))
	}

	outstanding, err = s.EarliestOutstandingPayoutPeriod(ctx)
	if err != nil {
		t.Fatalf("earliest outstanding after unpay: %v", err)
	}
	if outstanding == nil || outstanding.ID != period.ID {
		t.Fatalf("expected period %d outstanding again after unpay", period.ID)
	}
}

func TestDeleteUnpayableShares(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	period, err := s.RolloverPayoutPeriod(ctx, 1)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if _, err := s.NewShare(ctx, "alice"); err != nil {
		t.Fatalf("share: %v", err)
	}
	if err := s.DeleteUnpayableShares(ctx, period.ID); err != nil {
		t.Fatalf("delete unpayable shares: %v", err)
	}
	count, err := s.PayoutPeriodShareCount(ctx, period.ID)
	if err != nil {
		t.Fatalf("share count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 shares after delete, got %d", count)
	}
}

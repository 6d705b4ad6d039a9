// Package store implements the durable relational share store (spec §4.I):
// shares, payout periods, blocks, and payout transactions over an embedded
// SQLite database. No repo in the retrieval pack uses a relational store —
// this package is grounded on the teacher's transactional discipline in
// internal/storage/redis.go (every mutating operation wrapped in an atomic,
// all-or-nothing unit) translated from Redis pipelines to SQL transactions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB implementing the share/payout_period/block/
// payout_transaction schema and operation list of spec §4.I.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS payout_period (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	start_ms INTEGER NOT NULL,
	end_ms INTEGER
);

CREATE TABLE IF NOT EXISTS share (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	payout_period_id INTEGER NOT NULL REFERENCES payout_period(id),
	public_address TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	payout_transaction_id INTEGER REFERENCES payout_transaction(id)
);
CREATE INDEX IF NOT EXISTS idx_share_period ON share(payout_period_id);
CREATE INDEX IF NOT EXISTS idx_share_address ON share(public_address);
CREATE INDEX IF NOT EXISTS idx_share_tx ON share(payout_transaction_id);

CREATE TABLE IF NOT EXISTS block (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	payout_period_id INTEGER NOT NULL REFERENCES payout_period(id),
	sequence INTEGER NOT NULL,
	hash TEXT NOT NULL,
	miner_reward INTEGER NOT NULL,
	main INTEGER NOT NULL DEFAULT 0,
	confirmed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_block_period ON block(payout_period_id);

CREATE TABLE IF NOT EXISTS payout_transaction (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	payout_period_id INTEGER NOT NULL REFERENCES payout_period(id),
	hash TEXT NOT NULL,
	confirmed INTEGER NOT NULL DEFAULT 0,
	expired INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tx_period ON payout_transaction(payout_period_id);
`

// Open opens (creating if absent) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: serialize writers, matches the store's single-writer ownership (spec §3 "Ownership")

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PayoutPeriod mirrors the payout_period table.
type PayoutPeriod struct {
	ID      int64
	StartMs int64
	EndMs   sql.NullInt64
}

// Block mirrors the block table.
type Block struct {
	ID             int64
	PayoutPeriodID int64
	Sequence       uint32
	Hash           string
	MinerReward    uint64
	Main           bool
	Confirmed      bool
}

// PayoutTransaction mirrors the payout_transaction table.
type PayoutTransaction struct {
	ID             int64
	PayoutPeriodID int64
	Hash           string
	Confirmed      bool
	Expired        bool
}

// AddressShareCount pairs a payout address with its share count in a period.
type AddressShareCount struct {
	PublicAddress string
	ShareCount    int64
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// GetCurrentPayoutPeriod returns the unique open period (end_ms IS NULL), if any.
func (s *Store) GetCurrentPayoutPeriod(ctx context.Context) (*PayoutPeriod, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, start_ms, end_ms FROM payout_period WHERE end_ms IS NULL LIMIT 1`)
	var p PayoutPeriod
	if err := row.Scan(&p.ID, &p.StartMs, &p.EndMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get current payout period: %w", err)
	}
	return &p, nil
}

// RolloverPayoutPeriod closes the current period (end_ms = nowMs) and opens
// a new one. No-op (besides opening the first period) if none exists.
func (s *Store) RolloverPayoutPeriod(ctx context.Context, nowMsVal int64) (*PayoutPeriod, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE payout_period SET end_ms = ? WHERE end_ms IS NULL`, nowMsVal); err != nil {
		return nil, fmt.Errorf("close current payout period: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO payout_period(start_ms, end_ms) VALUES (?, NULL)`, nowMsVal)
	if err != nil {
		return nil, fmt.Errorf("open new payout period: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &PayoutPeriod{ID: id, StartMs: nowMsVal}, nil
}

// NewShare records a new share for address against the current open period.
func (s *Store) NewShare(ctx context.Context, address string) (int64, error) {
	period, err := s.GetCurrentPayoutPeriod(ctx)
	if err != nil {
		return 0, err
	}
	if period == nil {
		period, err = s.RolloverPayoutPeriod(ctx, nowMs())
		if err != nil {
			return 0, err
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO share(payout_period_id, public_address, created_at) VALUES (?, ?, ?)`,
		period.ID, address, nowMs())
	if err != nil {
		return 0, fmt.Errorf("new share: %w", err)
	}
	return res.LastInsertId()
}

// NewBlock stores a found block, normalizing the reward to positive even if
// the caller passes a negative sign.
func (s *Store) NewBlock(ctx context.Context, sequence uint32, hash string, reward int64) (int64, error) {
	if reward < 0 {
		reward = -reward
	}

	period, err := s.GetCurrentPayoutPeriod(ctx)
	if err != nil {
		return 0, err
	}
	if period == nil {
		period, err = s.RolloverPayoutPeriod(ctx, nowMs())
		if err != nil {
			return 0, err
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO block(payout_period_id, sequence, hash, miner_reward, main, confirmed) VALUES (?, ?, ?, ?, 0, 0)`,
		period.ID, sequence, hash, reward)
	if err != nil {
		return 0, fmt.Errorf("new block: %w", err)
	}
	return res.LastInsertId()
}

// GetSharesPendingPayout returns shares with no payout_transaction_id,
// optionally scoped to address.
func (s *Store) GetSharesPendingPayout(ctx context.Context, address string) ([]int64, error) {
	query := `SELECT id FROM share WHERE payout_transaction_id IS NULL`
	args := []any{}
	if address != "" {
		query += ` AND public_address = ?`
		args = append(args, address)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get shares pending payout: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ShareCountSince counts shares created at or after ts, optionally scoped to address.
func (s *Store) ShareCountSince(ctx context.Context, ts int64, address string) (int64, error) {
	query := `SELECT COUNT(*) FROM share WHERE created_at >= ?`
	args := []any{ts}
	if address != "" {
		query += ` AND public_address = ?`
		args = append(args, address)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("share count since: %w", err)
	}
	return count, nil
}

// UnconfirmedBlocks returns every block with confirmed = false.
func (s *Store) UnconfirmedBlocks(ctx context.Context) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payout_period_id, sequence, hash, miner_reward, main, confirmed FROM block WHERE confirmed = 0`)
	if err != nil {
		return nil, fmt.Errorf("unconfirmed blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		var main, confirmed int
		if err := rows.Scan(&b.ID, &b.PayoutPeriodID, &b.Sequence, &b.Hash, &b.MinerReward, &main, &confirmed); err != nil {
			return nil, err
		}
		b.Main = main != 0
		b.Confirmed = confirmed != 0
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// UpdateBlockStatus updates a block's main/confirmed flags. No-op if both
// values already match.
func (s *Store) UpdateBlockStatus(ctx context.Context, id int64, main, confirmed bool) error {
	var curMain, curConfirmed int
	err := s.db.QueryRowContext(ctx, `SELECT main, confirmed FROM block WHERE id = ?`, id).Scan(&curMain, &curConfirmed)
	if err != nil {
		return fmt.Errorf("update block status: %w", err)
	}
	if (curMain != 0) == main && (curConfirmed != 0) == confirmed {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `UPDATE block SET main = ?, confirmed = ? WHERE id = ?`, boolToInt(main), boolToInt(confirmed), id)
	return err
}

// EarliestOutstandingPayoutPeriod returns the oldest sealed (end_ms NOT
// NULL) period with any share that has not yet been assigned to a payout
// transaction. A share already assigned a (possibly still-unconfirmed)
// transaction id does not make its period outstanding again — that would
// re-select a period with a payout in flight and construct a duplicate
// transaction on every reconcile tick until the first one confirms. A
// transaction that expires unconfirmed clears payout_transaction_id back
// to NULL on its shares (MarkSharesUnpaid), which is what legitimately
// reopens the period.
func (s *Store) EarliestOutstandingPayoutPeriod(ctx context.Context) (*PayoutPeriod, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pp.id, pp.start_ms, pp.end_ms
		FROM payout_period pp
		WHERE pp.end_ms IS NOT NULL
		AND EXISTS (
			SELECT 1 FROM share sh
			WHERE sh.payout_period_id = pp.id
			AND sh.payout_transaction_id IS NULL
		)
		ORDER BY pp.start_ms ASC
		LIMIT 1
	`)

	var p PayoutPeriod
	if err := row.Scan(&p.ID, &p.StartMs, &p.EndMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("earliest outstanding payout period: %w", err)
	}
	return &p, nil
}

// PayoutPeriodBlocksConfirmed reports whether every block of periodID has confirmed = true.
func (s *Store) PayoutPeriodBlocksConfirmed(ctx context.Context, periodID int64) (bool, error) {
	var unconfirmed int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM block WHERE payout_period_id = ? AND confirmed = 0`, periodID).Scan(&unconfirmed)
	if err != nil {
		return false, fmt.Errorf("payout period blocks confirmed: %w", err)
	}
	return unconfirmed == 0, nil
}

// PayoutPeriodShareCount returns the total share count of a period.
func (s *Store) PayoutPeriodShareCount(ctx context.Context, periodID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM share WHERE payout_period_id = ?`, periodID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("payout period share count: %w", err)
	}
	return count, nil
}

// PayoutAddresses returns each distinct address and its share count in periodID.
func (s *Store) PayoutAddresses(ctx context.Context, periodID int64) ([]AddressShareCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT public_address, COUNT(*) FROM share WHERE payout_period_id = ? GROUP BY public_address`, periodID)
	if err != nil {
		return nil, fmt.Errorf("payout addresses: %w", err)
	}
	defer rows.Close()

	var out []AddressShareCount
	for rows.Next() {
		var a AddressShareCount
		if err := rows.Scan(&a.PublicAddress, &a.ShareCount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetPayoutReward sums miner_reward over main && confirmed blocks of periodID.
func (s *Store) GetPayoutReward(ctx context.Context, periodID int64) (uint64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(miner_reward) FROM block WHERE payout_period_id = ? AND main = 1 AND confirmed = 1`, periodID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("get payout reward: %w", err)
	}
	if !sum.Valid {
		return 0, nil
	}
	return uint64(sum.Int64), nil
}

// NewTransaction creates a pending payout transaction for periodID.
func (s *Store) NewTransaction(ctx context.Context, hash string, periodID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO payout_transaction(payout_period_id, hash, confirmed, expired) VALUES (?, ?, 0, 0)`,
		periodID, hash)
	if err != nil {
		return 0, fmt.Errorf("new transaction: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTransactionStatus updates confirmed/expired. No-op if unchanged.
func (s *Store) UpdateTransactionStatus(ctx context.Context, id int64, confirmed, expired bool) error {
	var curConfirmed, curExpired int
	err := s.db.QueryRowContext(ctx, `SELECT confirmed, expired FROM payout_transaction WHERE id = ?`, id).
		Scan(&curConfirmed, &curExpired)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	if (curConfirmed != 0) == confirmed && (curExpired != 0) == expired {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `UPDATE payout_transaction SET confirmed = ?, expired = ? WHERE id = ?`,
		boolToInt(confirmed), boolToInt(expired), id)
	return err
}

// UnconfirmedPayoutTransactions returns every non-terminal transaction (not confirmed and not expired).
func (s *Store) UnconfirmedPayoutTransactions(ctx context.Context) ([]PayoutTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payout_period_id, hash, confirmed, expired FROM payout_transaction WHERE confirmed = 0 AND expired = 0`)
	if err != nil {
		return nil, fmt.Errorf("unconfirmed payout transactions: %w", err)
	}
	defer rows.Close()

	var out []PayoutTransaction
	for rows.Next() {
		var t PayoutTransaction
		var confirmed, expired int
		if err := rows.Scan(&t.ID, &t.PayoutPeriodID, &t.Hash, &confirmed, &expired); err != nil {
			return nil, err
		}
		t.Confirmed = confirmed != 0
		t.Expired = expired != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkSharesPaid assigns txID to every share of periodID belonging to one of addresses.
func (s *Store) MarkSharesPaid(ctx context.Context, periodID, txID int64, addresses []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE share SET payout_transaction_id = ? WHERE payout_period_id = ? AND public_address = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, addr := range addresses {
		if _, err := stmt.ExecContext(ctx, txID, periodID, addr); err != nil {
			return fmt.Errorf("mark shares paid: %w", err)
		}
	}
	return tx.Commit()
}

// MarkSharesUnpaid clears payout_transaction_id on every share referencing txID.
func (s *Store) MarkSharesUnpaid(ctx context.Context, txID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE share SET payout_transaction_id = NULL WHERE payout_transaction_id = ?`, txID)
	if err != nil {
		return fmt.Errorf("mark shares unpaid: %w", err)
	}
	return nil
}

// DeleteUnpayableShares removes every share of periodID with no reward to distribute.
func (s *Store) DeleteUnpayableShares(ctx context.Context, periodID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM share WHERE payout_period_id = ?`, periodID)
	if err != nil {
		return fmt.Errorf("delete unpayable shares: %w", err)
	}
	return nil
}

// TotalShareCount counts every share ever recorded, scoped to address if non-empty.
// Backs the /api/stats and /api/miners/:address read surface (internal/api).
func (s *Store) TotalShareCount(ctx context.Context, address string) (int64, error) {
	return s.ShareCountSince(ctx, 0, address)
}

// TotalBlockCount counts every block ever recorded.
func (s *Store) TotalBlockCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM block`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total block count: %w", err)
	}
	return count, nil
}

// ListBlocks returns the most recent blocks, newest first, up to limit.
func (s *Store) ListBlocks(ctx context.Context, limit int) ([]Block, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payout_period_id, sequence, hash, miner_reward, main, confirmed FROM block ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		var main, confirmed int
		if err := rows.Scan(&b.ID, &b.PayoutPeriodID, &b.Sequence, &b.Hash, &b.MinerReward, &main, &confirmed); err != nil {
			return nil, err
		}
		b.Main = main != 0
		b.Confirmed = confirmed != 0
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// MinerPaidShareCount counts address's shares that have already been assigned
// to a payout transaction.
func (s *Store) MinerPaidShareCount(ctx context.Context, address string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM share WHERE public_address = ? AND payout_transaction_id IS NOT NULL`, address).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("miner paid share count: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

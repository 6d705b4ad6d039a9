// Package distributor implements the work distributor (spec §4.G): it
// consumes a stream of upstream block templates, derives mineable headers,
// caches recent templates in a bounded LRU keyed by mining request id, and
// recomputes the proof-of-work target on a 10-second timer. Grounded on the
// teacher's internal/master/master.go (ticker-driven refresh loop, mutex-
// guarded job state) but restructured around an explicit bounded LRU
// (teacher used a 3-entry map) and the spec's "skip notify if target
// unchanged" rule, which the teacher does not implement.
package distributor

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/tos-network/stratum-pool/internal/header"
	"github.com/tos-network/stratum-pool/internal/target"
	"github.com/tos-network/stratum-pool/internal/util"
)

// RecalculateInterval is the fixed recompute timer period (spec §4.G).
const RecalculateInterval = 10 * time.Second

// TemplateLRUCapacity bounds the number of cached templates (spec §3).
const TemplateLRUCapacity = 12

// PreviousBlockInfo carries the upstream's head target/timestamp used as the
// recompute basis.
type PreviousBlockInfo struct {
	Target      [32]byte
	TimestampMs int64
}

// BlockTemplate is one unit of upstream work.
type BlockTemplate struct {
	Header            header.Template
	PreviousBlockInfo PreviousBlockInfo
}

// DifficultyFunc computes a new difficulty from wall-clock advance. It is
// delegated to the (external, opaque) consensus collaborator and invoked
// only from this package, per spec §4.C/§4.G.
type DifficultyFunc func(nowMs, headTimestampMs int64, headDifficulty uint64) uint64

// Broadcaster is implemented by the Stratum server: it fans a notify out to
// every subscribed, connected, non-shadow-banned client.
type Broadcaster interface {
	BroadcastNotify(mrid uint32, headerBytes [header.Size]byte)
	BroadcastWaitForWork()
	ClearRecentSubmissions()
}

type lruEntry struct {
	mrid uint32
	tmpl BlockTemplate
}

// Distributor owns next_mrid, current_mrid, the template LRU and the
// recompute timer, per spec §3's ownership rule.
type Distributor struct {
	calcDifficulty DifficultyFunc
	broadcaster    Broadcaster

	mu          sync.Mutex
	nextMRID    uint32
	currentMRID uint32
	hasWork     bool
	lruList     *list.List
	lruIndex    map[uint32]*list.Element

	headDifficulty  uint64
	headTimestampMs int64

	timer     *time.Timer
	timerDone chan struct{}
}

// New creates a Distributor.
func New(calc DifficultyFunc, broadcaster Broadcaster) *Distributor {
	return &Distributor{
		calcDifficulty: calc,
		broadcaster:    broadcaster,
		lruList:        list.New(),
		lruIndex:       make(map[uint32]*list.Element),
	}
}

// Lookup returns the cached template for mrid, or false if evicted/unknown.
func (d *Distributor) Lookup(mrid uint32) (BlockTemplate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	el, ok := d.lruIndex[mrid]
	if !ok {
		return BlockTemplate{}, false
	}
	return el.Value.(*lruEntry).tmpl, true
}

// CurrentMRID returns the current mining request id and whether any work exists yet.
func (d *Distributor) CurrentMRID() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentMRID, d.hasWork
}

func (d *Distributor) store(tmpl BlockTemplate) uint32 {
	mrid := d.nextMRID
	d.nextMRID++

	entry := &lruEntry{mrid: mrid, tmpl: tmpl}
	el := d.lruList.PushFront(entry)
	d.lruIndex[mrid] = el

	for d.lruList.Len() > TemplateLRUCapacity {
		oldest := d.lruList.Back()
		if oldest == nil {
			break
		}
		d.lruList.Remove(oldest)
		delete(d.lruIndex, oldest.Value.(*lruEntry).mrid)
	}

	d.currentMRID = mrid
	d.hasWork = true
	return mrid
}

// Ingest processes one incoming upstream template (spec §4.G "On each incoming template").
func (d *Distributor) Ingest(tmpl BlockTemplate) {
	d.rearmTimer()

	d.mu.Lock()
	d.headDifficulty = target.ToDifficulty(tmpl.PreviousBlockInfo.Target)
	d.headTimestampMs = tmpl.PreviousBlockInfo.TimestampMs
	mrid := d.store(tmpl)
	d.mu.Unlock()

	d.broadcaster.ClearRecentSubmissions()
	d.broadcaster.BroadcastNotify(mrid, header.Build(tmpl.Header))
}

// fire handles one recompute timer tick (spec §4.G "On timer fire").
func (d *Distributor) fire() {
	d.mu.Lock()
	if !d.hasWork {
		d.mu.Unlock()
		return
	}
	el := d.lruIndex[d.currentMRID]
	if el == nil {
		d.mu.Unlock()
		return
	}
	entry := el.Value.(*lruEntry)
	current := entry.tmpl

	nowMs := time.Now().UnixMilli()
	newDifficulty := d.calcDifficulty(nowMs, d.headTimestampMs, d.headDifficulty)
	newTarget := target.FromDifficulty(newDifficulty)

	if target.Equal(newTarget, current.Header.Target) {
		// Invariant (spec §8 #8): target unchanged => no notify, keep
		// miners searching the same space.
		d.mu.Unlock()
		return
	}

	patched := current
	patched.Header.Target = newTarget
	patched.Header.TimestampMs = uint64(nowMs)

	mrid := d.store(patched)
	d.mu.Unlock()

	d.broadcaster.BroadcastNotify(mrid, header.Build(patched.Header))
}

func (d *Distributor) rearmTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(RecalculateInterval, d.onTimerFire)
}

func (d *Distributor) onTimerFire() {
	d.fire()
	d.mu.Lock()
	hasWork := d.hasWork
	d.mu.Unlock()
	if hasWork {
		d.mu.Lock()
		d.timer = time.AfterFunc(RecalculateInterval, d.onTimerFire)
		d.mu.Unlock()
	}
}

// Stop cancels the recompute timer.
func (d *Distributor) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// ReconnectDelay is the fixed upstream-disconnect retry backoff (spec §4.G).
const ReconnectDelay = 5 * time.Second

// Run consumes templates from the upstream stream until ctx is cancelled.
// On a stream error it broadcasts mining.wait_for_work and retries the
// connect function after ReconnectDelay, resuming consumption on success.
func (d *Distributor) Run(ctx context.Context, connect func(ctx context.Context) (<-chan BlockTemplate, error)) {
	for {
		select {
		case <-ctx.Done():
			d.Stop()
			return
		default:
		}

		stream, err := connect(ctx)
		if err != nil {
			util.Warnf("upstream connect failed: %v", err)
			d.broadcaster.BroadcastWaitForWork()
			select {
			case <-ctx.Done():
				return
			case <-time.After(ReconnectDelay):
				continue
			}
		}

		d.consume(ctx, stream)

		select {
		case <-ctx.Done():
			return
		default:
			d.broadcaster.BroadcastWaitForWork()
			select {
			case <-ctx.Done():
				return
			case <-time.After(ReconnectDelay):
			}
		}
	}
}

func (d *Distributor) consume(ctx context.Context, stream <-chan BlockTemplate) {
	for {
		select {
		case <-ctx.Done():
			return
		case tmpl, ok := <-stream:
			if !ok {
				return
			}
			d.Ingest(tmpl)
		}
	}
}

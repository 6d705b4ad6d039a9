// Package policy implements per-IP connection limits, bans, shadow-bans, and
// a decaying punish score, grounded on the teacher's PolicyServer
// (per-IP stats map, periodic reset ticker, blacklist/whitelist) but
// restructured around spec §4.E's exact state machine: connection_count,
// ban_entry, score (drained by 1 every 10s), and a shadow-ban set keyed by
// client id rather than by address.
package policy

import (
	"strings"
	"sync"
	"time"

	"github.com/tos-network/stratum-pool/internal/util"
)

// DefaultBanDuration is the fixed ban TTL. Spec §9 leaves this an open
// question between the source's historical 5-minute and 15-minute defaults;
// 15 minutes is chosen here to match the BAD_VERSION ban path in §4.F step 1,
// which already names FIFTEEN_MIN explicitly, so the whole server uses one
// constant instead of two.
const DefaultBanDuration = 15 * time.Minute

// ScoreDrainInterval is how often every peer's score decrements by 1.
const ScoreDrainInterval = 10 * time.Second

// BanScoreLimit is the score at which punish() issues an automatic ban.
const BanScoreLimit int32 = 10

// Config holds tunables for the policy server.
type Config struct {
	MaxConnectionsPerIP int // 0 disables the cap
	BanningEnabled      bool
	BanDuration         time.Duration
	ScoreDrainInterval  time.Duration
	BanScoreLimit       int32
}

// DefaultConfig returns the spec-aligned defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConnectionsPerIP: 10,
		BanningEnabled:      true,
		BanDuration:         DefaultBanDuration,
		ScoreDrainInterval:  ScoreDrainInterval,
		BanScoreLimit:       BanScoreLimit,
	}
}

// BanEntry records why and until when a peer is banned.
type BanEntry struct {
	Until           time.Time
	Reason          string
	Message         string
	VersionExpected uint32
}

type peerRecord struct {
	connCount int
	score     int32
	ban       *BanEntry
}

// DisconnectFunc is called to flush a mining.disconnect notification and
// close the offending socket. Supplied by the Stratum server.
type DisconnectFunc func(clientID uint32, reason, message string, until time.Time, versionExpected uint32)

// Server tracks per-IP connection counts, scores and bans, plus a
// shadow-ban set keyed by client id.
type Server struct {
	cfg *Config

	mu    sync.Mutex
	peers map[string]*peerRecord

	shadowMu     sync.Mutex
	shadowBanned map[uint32]bool

	listMu    sync.RWMutex
	blacklist map[string]bool
	whitelist map[string]bool

	disconnect DisconnectFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a policy server from the given config (DefaultConfig if nil).
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Server{
		cfg:          cfg,
		peers:        make(map[string]*peerRecord),
		shadowBanned: make(map[uint32]bool),
		blacklist:    make(map[string]bool),
		whitelist:    make(map[string]bool),
		quit:         make(chan struct{}),
	}
}

// SetDisconnectFunc wires the callback used by Ban to flush mining.disconnect.
func (s *Server) SetDisconnectFunc(fn DisconnectFunc) {
	s.disconnect = fn
}

// Start launches the score-drain timer.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.drainLoop()
}

// Stop cancels the score-drain timer.
func (s *Server) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Server) drainLoop() {
	defer s.wg.Done()

	interval := s.cfg.ScoreDrainInterval
	if interval <= 0 {
		interval = ScoreDrainInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.drainScores()
		}
	}
}

func (s *Server) drainScores() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for addr, rec := range s.peers {
		if rec.score > 0 {
			rec.score--
		}
		if rec.score <= 0 && rec.connCount == 0 && (rec.ban == nil || time.Now().After(rec.ban.Until)) {
			delete(s.peers, addr)
		}
	}
}

func (s *Server) record(addr string) *peerRecord {
	rec, ok := s.peers[addr]
	if !ok {
		rec = &peerRecord{}
		s.peers[addr] = rec
	}
	return rec
}

// Blacklist permanently denies addr regardless of ban/score state, until
// Unblacklist is called. Whitelist takes precedence over Blacklist.
func (s *Server) Blacklist(addr string) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	s.blacklist[addr] = true
}

// Unblacklist removes addr from the blacklist.
func (s *Server) Unblacklist(addr string) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	delete(s.blacklist, addr)
}

// Whitelist exempts addr from bans, the connection cap, and the blacklist.
func (s *Server) Whitelist(addr string) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	s.whitelist[addr] = true
}

// Unwhitelist removes addr from the whitelist.
func (s *Server) Unwhitelist(addr string) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	delete(s.whitelist, addr)
}

// Blacklisted reports whether addr is currently blacklisted.
func (s *Server) Blacklisted(addr string) bool {
	s.listMu.RLock()
	defer s.listMu.RUnlock()
	return s.blacklist[addr]
}

// Whitelisted reports whether addr is currently whitelisted.
func (s *Server) Whitelisted(addr string) bool {
	s.listMu.RLock()
	defer s.listMu.RUnlock()
	return s.whitelist[addr]
}

// IsAllowed reports whether a new connection from addr should be accepted:
// false if currently banned, blacklisted, or if the per-IP connection cap
// is exceeded. A whitelisted addr always passes.
func (s *Server) IsAllowed(addr string) bool {
	if s.Whitelisted(addr) {
		return true
	}
	if s.Blacklisted(addr) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(addr)
	if rec.ban != nil && time.Now().Before(rec.ban.Until) {
		return false
	}
	if s.cfg.MaxConnectionsPerIP > 0 && rec.connCount >= s.cfg.MaxConnectionsPerIP {
		return false
	}
	return true
}

// RegisterConnection increments the connection count for addr.
func (s *Server) RegisterConnection(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(addr).connCount++
}

// UnregisterConnection decrements the connection count for addr.
func (s *Server) UnregisterConnection(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.peers[addr]
	if !ok {
		return
	}
	if rec.connCount > 0 {
		rec.connCount--
	}
}

// Punish adds amount (default 1) to addr's score; when the score reaches
// BanScoreLimit it issues an automatic ban and clears the score.
func (s *Server) Punish(addr string, clientID uint32, amount int32) {
	if amount <= 0 {
		amount = 1
	}

	s.mu.Lock()
	rec := s.record(addr)
	rec.score += amount
	shouldBan := rec.score >= s.limit()
	if shouldBan {
		rec.score = 0
	}
	s.mu.Unlock()

	if shouldBan {
		s.Ban(addr, clientID, "", "", time.Time{}, 0)
	}
}

func (s *Server) limit() int32 {
	if s.cfg.BanScoreLimit > 0 {
		return s.cfg.BanScoreLimit
	}
	return BanScoreLimit
}

// Ban bans addr. The effective until is the later of any existing ban's
// until and the requested until (defaulting to now+BanDuration). It flushes
// mining.disconnect via the wired DisconnectFunc, then the server-side
// caller closes the socket. If banning is disabled by config, it silently
// shadow-bans the client id instead.
func (s *Server) Ban(addr string, clientID uint32, reason, message string, until time.Time, versionExpected uint32) {
	if !s.cfg.BanningEnabled {
		s.ShadowBan(clientID)
		return
	}

	if until.IsZero() {
		until = time.Now().Add(s.banDuration())
	}

	s.mu.Lock()
	rec := s.record(addr)
	if rec.ban != nil && rec.ban.Until.After(until) {
		until = rec.ban.Until
	}
	rec.ban = &BanEntry{Until: until, Reason: reason, Message: message, VersionExpected: versionExpected}
	rec.score = 0
	s.mu.Unlock()

	util.Infof("banned %s (client %d) until %s: %s", addr, clientID, until, reason)

	if s.disconnect != nil {
		s.disconnect(clientID, reason, message, until, versionExpected)
	}
}

func (s *Server) banDuration() time.Duration {
	if s.cfg.BanDuration > 0 {
		return s.cfg.BanDuration
	}
	return DefaultBanDuration
}

// ShadowBan suppresses outbound traffic to clientID without closing its socket.
func (s *Server) ShadowBan(clientID uint32) {
	s.shadowMu.Lock()
	defer s.shadowMu.Unlock()
	s.shadowBanned[clientID] = true
	util.Infof("shadow-banned client %d", clientID)
}

// IsShadowBanned reports whether clientID is shadow-banned.
func (s *Server) IsShadowBanned(clientID uint32) bool {
	s.shadowMu.Lock()
	defer s.shadowMu.Unlock()
	return s.shadowBanned[clientID]
}

// ClearShadowBan removes clientID's shadow-ban, used when a session closes
// so the set does not grow unbounded across reconnects.
func (s *Server) ClearShadowBan(clientID uint32) {
	s.shadowMu.Lock()
	defer s.shadowMu.Unlock()
	delete(s.shadowBanned, clientID)
}

// NormalizeAddr strips a port from a "host:port" remote address, matching
// the teacher's extractIP helper.
func NormalizeAddr(remoteAddr string) string {
	if idx := strings.LastIndex(remoteAddr, ":"); idx >= 0 {
		return remoteAddr[:idx]
	}
	return remoteAddr
}

// Package validator implements the share validator (spec §4.H): it
// reconstructs the candidate header with the client's graffiti and
// randomness, dedupes (client_id, randomness) pairs scoped to the current
// mining request, hashes the header, and classifies the result as one of
// {stale, duplicate, invalid, share, block}. Grounded on the classification
// shape of the teacher's master.go processShare, with the trust-score
// skip-validation fast path removed — spec §4.H requires every submission to
// be fully reconstructed and hashed.
package validator

import (
	"fmt"
	"sync"

	"github.com/tos-network/stratum-pool/internal/header"
	"github.com/tos-network/stratum-pool/internal/target"
)

// Outcome classifies a submission per spec §4.H / §7.
type Outcome int

const (
	OutcomeStale Outcome = iota
	OutcomeDuplicate
	OutcomeInvalid
	OutcomeShare
	OutcomeBlock
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStale:
		return "stale"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeShare:
		return "share"
	case OutcomeBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Hasher is the opaque header-hash kernel, H(bytes) -> 32 bytes (spec §1).
type Hasher func(headerBytes [header.Size]byte) [32]byte

// TemplateLookup resolves a cached template by mining request id.
type TemplateLookup func(mrid uint32) (TemplateWithTarget, bool)

// TemplateWithTarget bundles a header template with the network target used
// for block acceptance (the template's own target field).
type TemplateWithTarget struct {
	Header header.Template
}

// Submission is what the Stratum server hands the validator on mining.submit.
type Submission struct {
	ClientID   uint32
	MRID       uint32
	Randomness [8]byte
	Graffiti   [32]byte
	Address    string
}

// UpstreamSubmitBlockFunc forwards a full template to the upstream node.
type UpstreamSubmitBlockFunc func(tmpl header.Template) (added bool, reason string, err error)

// RecordShareFunc persists an accepted share to the share store.
type RecordShareFunc func(address string) error

// Validator is a pure module aside from the two permitted I/O calls (spec
// §4.H: "no I/O except the upstream submitBlock call and the share store
// record_share").
type Validator struct {
	hash        Hasher
	lookup      TemplateLookup
	submitBlock UpstreamSubmitBlockFunc
	recordShare RecordShareFunc

	mu     sync.Mutex
	recent map[string]struct{}
}

// New creates a Validator.
func New(hash Hasher, lookup TemplateLookup, submitBlock UpstreamSubmitBlockFunc, recordShare RecordShareFunc) *Validator {
	return &Validator{
		hash:        hash,
		lookup:      lookup,
		submitBlock: submitBlock,
		recordShare: recordShare,
		recent:      make(map[string]struct{}),
	}
}

// ClearRecentSubmissions resets the per-request dedupe set. Invoked by the
// work distributor's broadcast hook on every new mrid (spec §4.G step 5).
func (v *Validator) ClearRecentSubmissions() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recent = make(map[string]struct{})
}

func dedupeKey(clientID uint32, randomness [8]byte) string {
	return fmt.Sprintf("%d:%x", clientID, randomness)
}

// seenOrRecord reports whether (clientID, randomness) was already recorded
// for the current request; if not, it records it and returns false.
func (v *Validator) seenOrRecord(clientID uint32, randomness [8]byte) bool {
	key := dedupeKey(clientID, randomness)
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.recent[key]; ok {
		return true
	}
	v.recent[key] = struct{}{}
	return false
}

// Validate classifies one submission against the given current mining
// request id and pool (share) target, per spec §4.F steps 1-7.
func (v *Validator) Validate(sub Submission, currentMRID uint32, poolTarget [32]byte) Outcome {
	if sub.MRID != currentMRID {
		return OutcomeStale
	}

	tmpl, ok := v.lookup(sub.MRID)
	if !ok {
		return OutcomeStale
	}

	if v.seenOrRecord(sub.ClientID, sub.Randomness) {
		return OutcomeDuplicate
	}

	if len(sub.Graffiti) > 32 {
		return OutcomeInvalid
	}

	spliced := tmpl.Header.WithRandomnessAndGraffiti(sub.Randomness, sub.Graffiti)
	headerBytes := header.Build(spliced)
	h := v.hash(headerBytes)

	isBlock := false
	if target.Meets(h, spliced.Target) {
		isBlock = true
		if v.submitBlock != nil {
			// Forward regardless of outcome; the acceptance decision below
			// is independent (spec §4.F step 6: "regardless, evaluate the
			// pool target").
			_, _, _ = v.submitBlock(spliced)
		}
	}

	if target.Meets(h, poolTarget) {
		if v.recordShare != nil {
			if err := v.recordShare(sub.Address); err != nil {
				return OutcomeInvalid
			}
		}
		if isBlock {
			return OutcomeBlock
		}
		return OutcomeShare
	}

	return OutcomeInvalid
}

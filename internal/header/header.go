// Package header builds and parses the fixed 180-byte mineable header form.
//
// Layout: randomness(8) || sequence(u32 BE) || prev_hash(32) ||
// note_commitment(32) || transaction_commitment(32) || target(32) ||
// timestamp(u64 BE) || graffiti(32). Grounded on the field-packing idiom of
// the teacher's toshash.BlockHeaderToMinerWork (binary.BigEndian writes into
// a fixed-size byte array), but with this spec's own field order and size.
package header

import (
	"encoding/binary"
	"fmt"
)

// Size is the exact serialized length of a mineable header.
const Size = 180

const (
	offRandomness  = 0
	offSequence    = 8
	offPrevHash    = 12
	offNoteCommit  = 44
	offTxCommit    = 76
	offTarget      = 108
	offTimestamp   = 140
	offGraffiti    = 148
	graffitiMaxLen = 32
)

// Template holds the in-memory fields of a block template prior to
// serialization. Graffiti and Randomness are spliced in by the Stratum
// server per client at submission time (§4.F step 4).
type Template struct {
	Randomness            [8]byte
	Sequence              uint32
	PrevHash              [32]byte
	NoteCommitment        [32]byte
	TransactionCommitment [32]byte
	Target                [32]byte
	TimestampMs           uint64
	Graffiti              [32]byte
}

// InvalidGraffitiError reports a graffiti value exceeding the 32-byte field.
// Per spec §4.D this is meant to be fatal to the session, not to the server.
type InvalidGraffitiError struct {
	Length int
}

func (e *InvalidGraffitiError) Error() string {
	return fmt.Sprintf("invalid graffiti: %d bytes exceeds the 32-byte field", e.Length)
}

// SetGraffiti copies a UTF-8 graffiti string into the template's fixed
// 32-byte field, left-justified and zero-padded. Returns InvalidGraffitiError
// if the string is longer than 32 bytes.
func (t *Template) SetGraffiti(s string) error {
	b := []byte(s)
	if len(b) > graffitiMaxLen {
		return &InvalidGraffitiError{Length: len(b)}
	}
	var g [32]byte
	copy(g[:], b)
	t.Graffiti = g
	return nil
}

// Build serializes the template into the exact 180-byte mineable form.
func Build(t Template) [Size]byte {
	var out [Size]byte
	copy(out[offRandomness:offRandomness+8], t.Randomness[:])
	binary.BigEndian.PutUint32(out[offSequence:offSequence+4], t.Sequence)
	copy(out[offPrevHash:offPrevHash+32], t.PrevHash[:])
	copy(out[offNoteCommit:offNoteCommit+32], t.NoteCommitment[:])
	copy(out[offTxCommit:offTxCommit+32], t.TransactionCommitment[:])
	copy(out[offTarget:offTarget+32], t.Target[:])
	binary.BigEndian.PutUint64(out[offTimestamp:offTimestamp+8], t.TimestampMs)
	copy(out[offGraffiti:offGraffiti+32], t.Graffiti[:])
	return out
}

// Parse is the left-inverse of Build: parse(build(h)) == h for every header
// with fields in range (spec §8 round-trip property).
func Parse(b [Size]byte) Template {
	var t Template
	copy(t.Randomness[:], b[offRandomness:offRandomness+8])
	t.Sequence = binary.BigEndian.Uint32(b[offSequence : offSequence+4])
	copy(t.PrevHash[:], b[offPrevHash:offPrevHash+32])
	copy(t.NoteCommitment[:], b[offNoteCommit:offNoteCommit+32])
	copy(t.TransactionCommitment[:], b[offTxCommit:offTxCommit+32])
	copy(t.Target[:], b[offTarget:offTarget+32])
	t.TimestampMs = binary.BigEndian.Uint64(b[offTimestamp : offTimestamp+8])
	copy(t.Graffiti[:], b[offGraffiti:offGraffiti+32])
	return t
}

// WithRandomnessAndGraffiti returns a copy of the template with the client's
// randomness nonce and graffiti spliced in, as performed by the Stratum
// server at submission time (§4.F step 4).
func (t Template) WithRandomnessAndGraffiti(randomness [8]byte, graffiti [32]byte) Template {
	out := t
	out.Randomness = randomness
	out.Graffiti = graffiti
	return out
}

// Package target implements the target codec (spec §4.C): a 256-bit
// unsigned big-endian integer target, its conversion to/from difficulty
// (MAX_TARGET / target, integer division), and the "hash meets target"
// comparison. Grounded on the teacher's internal/util/difficulty.go
// (DifficultyToTarget/TargetToDifficulty/HashMeetsTarget), with Diff1Target
// replaced by the spec's literal MAX_TARGET = 2^256-1.
package target

import "math/big"

// MaxTarget is 2^256 - 1, the spec's MAX_TARGET (difficulty 1 target).
var MaxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// FromDifficulty converts a difficulty value to its 32-byte big-endian
// target: target = MAX_TARGET / difficulty (spec §4.C).
func FromDifficulty(difficulty uint64) [32]byte {
	if difficulty == 0 {
		difficulty = 1
	}
	t := new(big.Int).Div(MaxTarget, new(big.Int).SetUint64(difficulty))
	return bigToBytes(t)
}

// ToDifficulty converts a 32-byte big-endian target to a difficulty value:
// difficulty = MAX_TARGET / target (spec §4.C).
func ToDifficulty(t [32]byte) uint64 {
	ti := new(big.Int).SetBytes(t[:])
	if ti.Sign() == 0 {
		return MaxTarget.Uint64()
	}
	return new(big.Int).Div(MaxTarget, ti).Uint64()
}

// Equal reports whether two targets are byte-identical (spec §4.G step 2:
// "if new target equals the template's current target field").
func Equal(a, b [32]byte) bool {
	return a == b
}

// Meets reports whether hash, interpreted as a 32-byte big-endian unsigned
// integer, is <= t (spec §4.C "result <= target").
func Meets(hash [32]byte, t [32]byte) bool {
	hi := new(big.Int).SetBytes(hash[:])
	ti := new(big.Int).SetBytes(t[:])
	return hi.Cmp(ti) <= 0
}

func bigToBytes(v *big.Int) [32]byte {
	var out [32]byte
	b := v.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(out[32-len(b):], b)
	return out
}

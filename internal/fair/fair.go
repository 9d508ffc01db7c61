// Package fair implements the provably-fair commitment scheme: a round's
// crash point is derived deterministically from a secret seed whose SHA-256
// hash is published before betting closes, so any client can verify the
// outcome once the seed is revealed.
package fair

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Crash point bounds, two fractional digits.
var (
	minCrashPoint = decimal.NewFromFloat(1.01)
	maxCrashPoint = decimal.NewFromInt(1000)
)

// verifyTolerance is the maximum accepted deviation between a claimed and a
// recomputed crash point.
var verifyTolerance = decimal.NewFromFloat(0.01)

// Proof is the committed material for one round.
type Proof struct {
	RoundID     string
	RoundNumber int64
	Seed        string // 32 random bytes, hex-encoded; secret until crash
	Hash        string // SHA-256 over the hex seed string, published at creation
	CrashPoint  decimal.Decimal
}

// Generator derives crash points with a configured house edge.
// All methods are pure given the generator's edge; NewRound additionally
// draws a cryptographically random seed.
type Generator struct {
	houseEdge float64
}

// NewGenerator returns a Generator with the given house edge (e.g. 0.04).
func NewGenerator(houseEdge float64) *Generator {
	return &Generator{houseEdge: houseEdge}
}

// NewRound commits a fresh round: random seed, published hash, derived crash
// point, and a round id built from epoch millis and the round number.
func (g *Generator) NewRound(roundNumber int64) (Proof, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Proof{}, fmt.Errorf("fair.NewRound: read entropy: %w", err)
	}
	seed := hex.EncodeToString(raw)

	return Proof{
		RoundID:     fmt.Sprintf("%d%d", time.Now().UnixMilli(), roundNumber),
		RoundNumber: roundNumber,
		Seed:        seed,
		Hash:        HashSeed(seed),
		CrashPoint:  g.CrashPoint(seed, roundNumber),
	}, nil
}

// HashSeed returns the hex SHA-256 digest of the hex-encoded seed string.
func HashSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// CrashPoint derives the crash multiplier from (seed, roundNumber).
//
// Let H = SHA-256(seed ‖ decimal-ascii(roundNumber)), x = the first 8 hex
// chars of H as an unsigned 32-bit integer, M = 2³²−1 and e the house edge:
//
//	r = (M − e·x) / (M − x)
//
// The result is clamped to [1.01, 1000.00] and truncated toward zero at two
// fractional digits.  Uniform x yields a distribution concentrated near 1
// with a heavy tail; the e·x term realises the house edge.
func (g *Generator) CrashPoint(seed string, roundNumber int64) decimal.Decimal {
	sum := sha256.Sum256([]byte(seed + strconv.FormatInt(roundNumber, 10)))
	digest := hex.EncodeToString(sum[:])

	x64, err := strconv.ParseUint(digest[:8], 16, 64)
	if err != nil {
		// Unreachable for a hex digest; fall through to the floor.
		return minCrashPoint
	}
	x := float64(x64)

	const m = float64(math.MaxUint32)
	denom := m - x
	if denom <= 0 {
		return maxCrashPoint
	}
	r := (m - g.houseEdge*x) / denom
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return maxCrashPoint
	}

	cp := decimal.NewFromFloat(r).Truncate(2)
	if cp.LessThan(minCrashPoint) {
		return minCrashPoint
	}
	if cp.GreaterThan(maxCrashPoint) {
		return maxCrashPoint
	}
	return cp
}

// Verify recomputes the hash and crash point for a completed round and
// checks them against the published values.  The crash point is accepted
// within a 0.01 tolerance.
func (g *Generator) Verify(seed, hash string, roundNumber int64, claimed decimal.Decimal) (bool, string) {
	if HashSeed(seed) != hash {
		return false, "hash does not match SHA-256 of the revealed seed"
	}
	expected := g.CrashPoint(seed, roundNumber)
	if expected.Sub(claimed).Abs().GreaterThan(verifyTolerance) {
		return false, fmt.Sprintf("crash point mismatch: derived %s, claimed %s", expected, claimed)
	}
	return true, ""
}

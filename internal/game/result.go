package game

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"time"

	"colorspin/internal/models"
)

const proofHashLength = 16

// ResultGenerator produces cryptographically unpredictable round results
// with a publishable audit token. It is stateless per call: unpredictability
// matters more than replayability, but the domain and color mapping are
// exhaustively checkable.
type ResultGenerator struct{}

func NewResultGenerator() *ResultGenerator {
	return &ResultGenerator{}
}

// Result is one generated outcome plus its audit token.
type Result struct {
	Number    int
	Color     models.Color
	ProofHash string
}

// Number picks an unpredictable number in [min, max] for the round.
func (g *ResultGenerator) Number(roundID string, min, max int) Result {
	if max < min {
		min, max = max, min
	}
	domain := make([]int, 0, max-min+1)
	for n := min; n <= max; n++ {
		domain = append(domain, n)
	}
	return g.pick(roundID, fmt.Sprintf("range:%d-%d", min, max), domain)
}

// NumberForColor picks a number belonging to the target color. An unknown
// color falls back to the full 0-9 range rather than failing the round.
func (g *ResultGenerator) NumberForColor(roundID string, color models.Color) Result {
	domain := models.ColorNumbers[color]
	if len(domain) == 0 {
		return g.Number(roundID, 0, 9)
	}
	return g.pick(roundID, "color:"+string(color), domain)
}

// SelectMinimumStakeColor picks the color with the least total staked
// amount, breaking ties with the generator's own randomness rather than
// map order, then a number within that color.
func (g *ResultGenerator) SelectMinimumStakeColor(roundID string, perColorStake map[models.Color]int64) Result {
	minStake := int64(-1)
	var candidates []models.Color
	for color := range models.ColorNumbers {
		stake := perColorStake[color]
		switch {
		case minStake < 0 || stake < minStake:
			minStake = stake
			candidates = []models.Color{color}
		case stake == minStake:
			candidates = append(candidates, color)
		}
	}

	color := candidates[0]
	if len(candidates) > 1 {
		color = candidates[randomIndex(len(candidates))]
	}
	return g.NumberForColor(roundID, color)
}

// pick hashes fresh entropy with the round identity and constraint, and
// reduces the digest modulo the domain size.
func (g *ResultGenerator) pick(roundID, constraint string, domain []int) Result {
	seed := g.seedHex(roundID, constraint)

	seedInt := new(big.Int)
	seedInt.SetString(seed, 16)
	idx := new(big.Int).Mod(seedInt, big.NewInt(int64(len(domain)))).Int64()
	number := domain[idx]

	color, ok := models.NumberColor(number)
	if !ok {
		color = models.ColorGreen
	}

	proof := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", roundID, number, seed)))
	return Result{
		Number:    number,
		Color:     color,
		ProofHash: hex.EncodeToString(proof[:])[:proofHashLength],
	}
}

// seedHex concatenates system entropy, a high-resolution timestamp, the
// process id, the round identity and constraint, plus a fresh nonce, and
// digests the lot.
func (g *ResultGenerator) seedHex(roundID, constraint string) string {
	entropy := make([]byte, 32)
	rand.Read(entropy)
	nonce := make([]byte, 16)
	rand.Read(nonce)

	h := sha256.New()
	h.Write(entropy)
	fmt.Fprintf(h, "%d|%d|%s|%s|", time.Now().UnixNano(), os.Getpid(), roundID, constraint)
	h.Write(nonce)
	return hex.EncodeToString(h.Sum(nil))
}

func randomIndex(n int) int {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(idx.Int64())
}

package spin

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

const (
	// Default pool weight for a symbol without an explicit weight:
	// floor(400 / max(1, multiplier)), so low multipliers dominate the draw.
	defaultWeightNumerator = 400.0

	bigWinMultiplier   = 10.0
	ldwChance          = 0.10
	nearMissChance     = 0.08
	minimumAverageWin  = 0.000001
	reelCount          = 3
	lossRedrawAttempts = 16
)

// RandomSource is the subset of math/rand the engine draws from, injectable
// for deterministic tests.
type RandomSource interface {
	Float64() float64
	Intn(n int) int
}

// Config is the tunable payout envelope, hot-reloaded per spin.
type Config struct {
	TargetRTP        float64
	MaxWinMultiplier float64
}

// Validate enforces the admin-config bounds.
func (config Config) Validate() error {
	if config.TargetRTP <= 0 || config.TargetRTP > 1 {
		return fmt.Errorf("%w: target rtp must be in (0,1]", ErrInvalidConfig)
	}
	if config.MaxWinMultiplier < 1 {
		return fmt.Errorf("%w: max win multiplier must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// Engine produces signed spin outcomes. It is pure: no storage, no clock,
// randomness and nonces injected.
type Engine struct {
	random  RandomSource
	secret  []byte
	nonceFn func() string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNonceGenerator overrides server nonce generation (tests).
func WithNonceGenerator(nonceFn func() string) EngineOption {
	return func(engine *Engine) {
		if nonceFn != nil {
			engine.nonceFn = nonceFn
		}
	}
}

// NewEngine wires an Engine with the outcome-signing secret.
func NewEngine(random RandomSource, secret []byte, options ...EngineOption) (*Engine, error) {
	if random == nil {
		return nil, fmt.Errorf("%w: random source is nil", ErrInvalidConfig)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: signing secret is empty", ErrInvalidConfig)
	}
	engine := &Engine{random: random, secret: secret, nonceFn: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// Spin draws one outcome for the given paytable and bet. An empty or
// fully-filtered paytable yields a guaranteed loss, never an error; the only
// failure modes are a non-positive bet and invalid config.
func (engine *Engine) Spin(paytable []PaytableEntry, bet int64, config Config) (Outcome, error) {
	if bet <= 0 {
		return Outcome{}, fmt.Errorf("%w: bet must be positive", ErrInvalidBet)
	}
	if err := config.Validate(); err != nil {
		return Outcome{}, err
	}

	pool := buildPool(paytable, config.MaxWinMultiplier)
	if pool.totalWeight == 0 {
		return engine.finalize(Outcome{Reels: []string{}, Bet: bet}), nil
	}

	averageWinMultiplier := pool.weightedValueSum / float64(pool.totalWeight)
	winFrequency := config.TargetRTP / math.Max(minimumAverageWin, averageWinMultiplier)

	if engine.random.Float64() < winFrequency {
		return engine.finalize(engine.winOutcome(pool, bet)), nil
	}
	return engine.finalize(engine.lossOutcome(paytable, bet)), nil
}

func (engine *Engine) winOutcome(pool weightedPool, bet int64) Outcome {
	entry := pool.draw(engine.random)
	payout := int64(math.Floor(float64(bet) * entry.Multiplier))
	outcome := Outcome{
		Reels:    []string{entry.ID, entry.ID, entry.ID},
		Payout:   payout,
		Bet:      bet,
		IsWin:    true,
		IsBigWin: entry.Multiplier >= bigWinMultiplier,
	}
	if payout > 0 && payout < bet && engine.random.Float64() < ldwChance {
		outcome.IsLdw = true
	}
	return outcome
}

func (engine *Engine) lossOutcome(paytable []PaytableEntry, bet int64) Outcome {
	outcome := Outcome{Reels: []string{}, Bet: bet}
	symbols := make([]string, 0, len(paytable))
	for _, entry := range paytable {
		symbols = append(symbols, entry.ID)
	}
	if len(symbols) < reelCount {
		return outcome
	}

	if engine.random.Float64() < nearMissChance {
		matched := symbols[engine.random.Intn(len(symbols))]
		third := matched
		for attempt := 0; attempt < lossRedrawAttempts && third == matched; attempt++ {
			third = symbols[engine.random.Intn(len(symbols))]
		}
		if third != matched {
			outcome.Reels = []string{matched, matched, third}
			outcome.IsNearMiss = true
			return outcome
		}
	}

	reels := []string{"", "", ""}
	for attempt := 0; attempt < lossRedrawAttempts; attempt++ {
		for position := range reels {
			reels[position] = symbols[engine.random.Intn(len(symbols))]
		}
		if reels[0] != reels[1] || reels[1] != reels[2] {
			break
		}
	}
	if reels[0] == reels[1] && reels[1] == reels[2] {
		// Single-symbol paytable: no mismatching reels exist.
		return outcome
	}
	outcome.Reels = reels
	return outcome
}

func (engine *Engine) finalize(outcome Outcome) Outcome {
	outcome.Nonce = engine.nonceFn()
	outcome.Signature = engine.Sign(outcome)
	return outcome
}

type weightedPool struct {
	entries          []PaytableEntry
	weights          []int
	totalWeight      int
	weightedValueSum float64
}

func buildPool(paytable []PaytableEntry, maxWinMultiplier float64) weightedPool {
	var pool weightedPool
	for _, entry := range paytable {
		if entry.Multiplier > maxWinMultiplier {
			continue
		}
		weight := entry.Weight
		if weight <= 0 {
			weight = int(math.Floor(defaultWeightNumerator / math.Max(1, entry.Multiplier)))
		}
		if weight <= 0 {
			continue
		}
		pool.entries = append(pool.entries, entry)
		pool.weights = append(pool.weights, weight)
		pool.totalWeight += weight
		pool.weightedValueSum += float64(weight) * entry.Multiplier
	}
	return pool
}

func (pool weightedPool) draw(random RandomSource) PaytableEntry {
	target := random.Intn(pool.totalWeight)
	for index, weight := range pool.weights {
		if target < weight {
			return pool.entries[index]
		}
		target -= weight
	}
	return pool.entries[len(pool.entries)-1]
}

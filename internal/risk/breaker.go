package risk

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`         // quote currency, positive number
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"` // losing trades in a row
	StatePath            string  `json:"state_path"`
}

// ClosedTrade is the journal view the breaker consumes: one realized trade.
type ClosedTrade struct {
	ID     string
	Symbol string
	PnL    float64
}

// breakerState is the persisted document. Persisting the paused flag means a
// restart cannot silently clear a protective pause.
type breakerState struct {
	Day               string   `json:"day"`
	CumulativeLoss    float64  `json:"cumulative_loss"`
	ConsecutiveLosses int      `json:"consecutive_losses"`
	Paused            bool     `json:"paused"`
	TripReason        string   `json:"trip_reason,omitempty"`
	SeenIDs           []string `json:"seen_ids,omitempty"`
}

// CircuitBreaker accumulates realized losses from the trade journal and
// pauses all new trading when a daily-loss or losing-streak threshold is
// breached. Once paused it stays paused until an explicit Resume; there is no
// automatic recovery.
type CircuitBreaker struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	logger  zerolog.Logger
	state   breakerState
	seenIDs map[string]bool
}

// NewCircuitBreaker creates a breaker, restoring persisted state so a pause
// survives restarts.
func NewCircuitBreaker(cfg BreakerConfig, logger zerolog.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		cfg:     cfg,
		logger:  logger.With().Str("component", "CircuitBreaker").Logger(),
		seenIDs: make(map[string]bool),
	}
	cb.state.Day = todayUTC()
	cb.restore()
	if cb.state.Paused {
		cb.logger.Warn().Str("reason", cb.state.TripReason).Msg("restored in paused state, trading remains halted")
	}
	return cb
}

// Paused reports whether new entries are currently blocked.
func (cb *CircuitBreaker) Paused() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.Paused
}

// Observe ingests realized trades from the journal. Trades already counted
// (tracked by ID) are ignored, so feeding overlapping journal queries cannot
// double count. Returns true if this observation tripped the breaker.
func (cb *CircuitBreaker) Observe(trades []ClosedTrade) bool {
	if !cb.cfg.Enabled {
		return false
	}

	cb.mu.Lock()
	cb.rolloverLocked()

	for _, tr := range trades {
		if tr.ID == "" || cb.seenIDs[tr.ID] {
			continue
		}
		cb.seenIDs[tr.ID] = true
		if math.IsNaN(tr.PnL) || math.IsInf(tr.PnL, 0) {
			cb.logger.Warn().Str("trade_id", tr.ID).Msg("ignoring trade with invalid pnl")
			continue
		}
		if tr.PnL < 0 {
			cb.state.CumulativeLoss += tr.PnL
			cb.state.ConsecutiveLosses++
		} else {
			cb.state.ConsecutiveLosses = 0
		}
	}

	tripped := false
	var reason string
	if !cb.state.Paused {
		switch {
		case cb.state.CumulativeLoss <= -cb.cfg.MaxDailyLoss:
			reason = fmt.Sprintf("daily loss %.2f breached limit %.2f", -cb.state.CumulativeLoss, cb.cfg.MaxDailyLoss)
		case cb.state.ConsecutiveLosses >= cb.cfg.MaxConsecutiveLosses:
			reason = fmt.Sprintf("%d consecutive losses (limit %d)", cb.state.ConsecutiveLosses, cb.cfg.MaxConsecutiveLosses)
		}
		if reason != "" {
			cb.state.Paused = true
			cb.state.TripReason = reason
			tripped = true
		}
	}

	cb.persistLocked()
	cb.mu.Unlock()

	if tripped {
		cb.logger.Error().Str("reason", reason).Msg("circuit breaker tripped, halting trading")
	}
	return tripped
}

// Resume clears the pause. This is only ever called from the operator-facing
// reset path, never from inside the trading loops.
func (cb *CircuitBreaker) Resume() {
	cb.mu.Lock()
	cb.state.Paused = false
	cb.state.TripReason = ""
	cb.state.ConsecutiveLosses = 0
	cb.persistLocked()
	cb.mu.Unlock()
	cb.logger.Warn().Msg("circuit breaker manually reset, trading resumed")
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() (cumulativeLoss float64, consecutiveLosses int, paused bool, reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.CumulativeLoss, cb.state.ConsecutiveLosses, cb.state.Paused, cb.state.TripReason
}

// rolloverLocked zeroes the daily counters at each UTC day boundary. A pause
// does NOT reset at midnight; only Resume clears it.
func (cb *CircuitBreaker) rolloverLocked() {
	day := todayUTC()
	if day == cb.state.Day {
		return
	}
	cb.state.Day = day
	cb.state.CumulativeLoss = 0
	cb.state.ConsecutiveLosses = 0
	cb.seenIDs = make(map[string]bool)
}

func (cb *CircuitBreaker) restore() {
	if cb.cfg.StatePath == "" {
		return
	}
	data, err := os.ReadFile(cb.cfg.StatePath)
	if err != nil {
		if !os.IsNotExist(err) {
			cb.logger.Error().Err(err).Msg("failed to read breaker state")
		}
		return
	}
	var st breakerState
	if err := json.Unmarshal(data, &st); err != nil {
		cb.logger.Error().Err(err).Msg("corrupt breaker state, starting fresh")
		return
	}
	if st.Day == todayUTC() {
		cb.state = st
		for _, id := range st.SeenIDs {
			cb.seenIDs[id] = true
		}
	} else {
		// Counters from a previous day are stale, but a pause still holds.
		cb.state.Paused = st.Paused
		cb.state.TripReason = st.TripReason
	}
}

func (cb *CircuitBreaker) persistLocked() {
	if cb.cfg.StatePath == "" {
		return
	}
	cb.state.SeenIDs = cb.state.SeenIDs[:0]
	for id := range cb.seenIDs {
		cb.state.SeenIDs = append(cb.state.SeenIDs, id)
	}
	data, err := json.MarshalIndent(cb.state, "", "  ")
	if err != nil {
		cb.logger.Error().Err(err).Msg("failed to marshal breaker state")
		return
	}
	dir := filepath.Dir(cb.cfg.StatePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		cb.logger.Error().Err(err).Msg("failed to create breaker state dir")
		return
	}
	tmp := cb.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		cb.logger.Error().Err(err).Msg("failed to write breaker state")
		return
	}
	if err := os.Rename(tmp, cb.cfg.StatePath); err != nil {
		cb.logger.Error().Err(err).Msg("failed to replace breaker state")
	}
}

func todayUTC() string {
	return time.Now().UTC().Format("2006-01-02")
}

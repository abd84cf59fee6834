// Package notification delivers trading events to external channels.
// Delivery is fire-and-forget: a failed or slow provider is logged and
// never blocks or fails the trading path.
package notification

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType classifies a notification.
type EventType string

const (
	EventEntry       EventType = "entry"
	EventExit        EventType = "exit"
	EventBreakerTrip EventType = "breaker_trip"
	EventReconcile   EventType = "reconcile"
	EventStartup     EventType = "startup"
	EventError       EventType = "error"
)

// Event is one notification message.
type Event struct {
	Type       EventType
	Title      string
	Message    string
	Symbol     string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
}

// Notifier is one delivery channel.
type Notifier interface {
	Send(event *Event) error
	Name() string
	Enabled() bool
}

// Manager fans an event out to all configured channels, each in its own
// goroutine.
type Manager struct {
	mu        sync.Mutex
	notifiers []Notifier
	logger    zerolog.Logger
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "notification").Logger(),
	}
}

// Add registers a delivery channel. Disabled channels are skipped at send
// time so configuration stays declarative.
func (m *Manager) Add(n Notifier) {
	m.mu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.mu.Unlock()
}

// Publish dispatches the event asynchronously to every enabled channel.
func (m *Manager) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.mu.Lock()
	targets := make([]Notifier, len(m.notifiers))
	copy(targets, m.notifiers)
	m.mu.Unlock()

	for _, n := range targets {
		if !n.Enabled() {
			continue
		}
		go func(n Notifier) {
			if err := n.Send(event); err != nil {
				m.logger.Warn().
					Str("provider", n.Name()).
					Str("event", string(event.Type)).
					Err(err).
					Msg("notification delivery failed")
			}
		}(n)
	}
}

// PublishEntry announces a new position.
func (m *Manager) PublishEntry(symbol, side string, price, qty, stopLoss, takeProfit float64) {
	m.Publish(&Event{
		Type:    EventEntry,
		Title:   fmt.Sprintf("Opened %s %s", side, symbol),
		Message: fmt.Sprintf("%s %s @ %.4f\nQty: %.8f\nStop: %.4f | Target: %.4f", side, symbol, price, qty, stopLoss, takeProfit),
		Symbol:  symbol,
		Price:   price,
	})
}

// PublishExit announces a closed position.
func (m *Manager) PublishExit(symbol, side string, entryPrice, exitPrice, pnl, pnlPercent float64, reason string) {
	outcome := "WIN"
	if pnl < 0 {
		outcome = "LOSS"
	}
	m.Publish(&Event{
		Type:       EventExit,
		Title:      fmt.Sprintf("Closed %s %s (%s)", side, symbol, outcome),
		Message:    fmt.Sprintf("Entry %.4f -> Exit %.4f\nPnL: %.4f (%.2f%%)\nReason: %s", entryPrice, exitPrice, pnl, pnlPercent, reason),
		Symbol:     symbol,
		Price:      exitPrice,
		PnL:        pnl,
		PnLPercent: pnlPercent,
	})
}

// PublishBreakerTrip announces that trading has been paused.
func (m *Manager) PublishBreakerTrip(reason string, dailyLoss float64, streak int) {
	m.Publish(&Event{
		Type:    EventBreakerTrip,
		Title:   "Trading paused",
		Message: fmt.Sprintf("%s\nDaily PnL: %.4f | Consecutive losses: %d\nManual resume required.", reason, dailyLoss, streak),
		PnL:     dailyLoss,
	})
}

// PublishReconcile announces a startup reconciliation outcome for one
// position.
func (m *Manager) PublishReconcile(symbol, action, detail string) {
	m.Publish(&Event{
		Type:    EventReconcile,
		Title:   fmt.Sprintf("Reconciled %s: %s", symbol, action),
		Message: detail,
		Symbol:  symbol,
	})
}

// PublishStartup announces that the bot is running.
func (m *Manager) PublishStartup(symbols []string, openPositions int) {
	m.Publish(&Event{
		Type:    EventStartup,
		Title:   "Bot started",
		Message: fmt.Sprintf("Trading %d symbols, %d open positions restored.", len(symbols), openPositions),
	})
}

// PublishError announces an operational error worth a human's attention.
func (m *Manager) PublishError(title, message string) {
	m.Publish(&Event{
		Type:    EventError,
		Title:   title,
		Message: message,
	})
}

package market

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perps-trading-bot/internal/metrics"
)

const reconnectDelay = 3 * time.Second

// miniTickerEvent is one entry of the combined miniTicker stream.
type miniTickerEvent struct {
	EventType  string `json:"e"`
	Symbol     string `json:"s"`
	ClosePrice string `json:"c"`
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// PriceStream is the long-lived worker that keeps the PriceCache fed from the
// exchange's combined miniTicker WebSocket stream. It reconnects forever
// until its context is cancelled.
type PriceStream struct {
	baseURL    string
	symbols    []string
	cache      *PriceCache
	logger     zerolog.Logger
	reconnects int
}

// NewPriceStream creates a price stream for the given symbols.
func NewPriceStream(baseURL string, symbols []string, cache *PriceCache, logger zerolog.Logger) *PriceStream {
	return &PriceStream{
		baseURL: baseURL,
		symbols: symbols,
		cache:   cache,
		logger:  logger.With().Str("component", "PriceStream").Logger(),
	}
}

func (s *PriceStream) url() string {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@miniTicker")
	}
	return s.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Run connects and pumps ticks into the cache until ctx is cancelled. A lost
// connection is logged and redialed after a short delay; Run only returns on
// cancellation, so the Supervisor treats any other return as a worker death.
func (s *PriceStream) Run(ctx context.Context) error {
	wsURL := s.url()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			s.reconnects++
			metrics.StreamReconnects.WithLabelValues("price").Inc()
			s.logger.Error().Err(err).Int("reconnects", s.reconnects).Msg("price stream dial failed, retrying")
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}
		s.logger.Info().Int("symbols", len(s.symbols)).Msg("price stream connected")
		s.reconnects = 0

		s.readLoop(ctx, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		metrics.StreamReconnects.WithLabelValues("price").Inc()
		s.logger.Warn().Msg("price stream connection lost, reconnecting")
		if !sleepCtx(ctx, reconnectDelay) {
			return ctx.Err()
		}
	}
}

func (s *PriceStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Close the connection when the context dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg combinedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("unparseable stream message")
			continue
		}
		var ev miniTickerEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Symbol == "" {
			continue
		}
		price, err := strconv.ParseFloat(ev.ClosePrice, 64)
		if err != nil || price <= 0 {
			continue
		}
		s.cache.Set(ev.Symbol, price)
		metrics.PriceUpdates.WithLabelValues(ev.Symbol).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

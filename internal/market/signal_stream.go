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

// Bar is one closed candle delivered by the kline stream.
type Bar struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Signal is the decision tuple produced by the external signal subsystem for
// one closed bar. The execution core treats it as opaque input.
type Signal struct {
	Long       bool
	Short      bool
	Confidence float64
	ATR        float64
	RefPrice   float64
	SkipReason string
}

// SignalSource turns a closed bar into a trading signal. The real
// implementation (indicators + classifier) lives outside this repository.
type SignalSource interface {
	Evaluate(ctx context.Context, bar Bar) (Signal, error)
}

// SourceFunc adapts a plain function to SignalSource.
type SourceFunc func(ctx context.Context, bar Bar) (Signal, error)

func (f SourceFunc) Evaluate(ctx context.Context, bar Bar) (Signal, error) {
	return f(ctx, bar)
}

// SignalFunc is invoked for every closed bar that produced a signal.
type SignalFunc func(ctx context.Context, symbol string, sig Signal)

type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

// SignalStream subscribes to per-symbol kline streams and, on each closed
// bar, asks the SignalSource for a signal and hands it to the registered
// handler. Handler panics are recovered so one bad evaluation cannot kill
// the worker.
type SignalStream struct {
	baseURL  string
	symbols  []string
	interval string
	source   SignalSource
	handler  SignalFunc
	logger   zerolog.Logger
}

// NewSignalStream creates a signal stream worker.
func NewSignalStream(baseURL string, symbols []string, interval string, source SignalSource, handler SignalFunc, logger zerolog.Logger) *SignalStream {
	return &SignalStream{
		baseURL:  baseURL,
		symbols:  symbols,
		interval: interval,
		source:   source,
		handler:  handler,
		logger:   logger.With().Str("component", "SignalStream").Logger(),
	}
}

func (s *SignalStream) url() string {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@kline_"+s.interval)
	}
	return s.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Run pumps closed bars through the signal source until ctx is cancelled,
// reconnecting on connection loss like the price stream.
func (s *SignalStream) Run(ctx context.Context) error {
	wsURL := s.url()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			metrics.StreamReconnects.WithLabelValues("signal").Inc()
			s.logger.Error().Err(err).Msg("signal stream dial failed, retrying")
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}
		s.logger.Info().Str("interval", s.interval).Int("symbols", len(s.symbols)).Msg("signal stream connected")

		s.readLoop(ctx, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		metrics.StreamReconnects.WithLabelValues("signal").Inc()
		s.logger.Warn().Msg("signal stream connection lost, reconnecting")
		if !sleepCtx(ctx, reconnectDelay) {
			return ctx.Err()
		}
	}
}

func (s *SignalStream) readLoop(ctx context.Context, conn *websocket.Conn) {
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
			continue
		}
		var ev klineEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Symbol == "" {
			continue
		}
		if !ev.Kline.IsClosed {
			continue
		}
		s.handleClosedBar(ctx, ev)
	}
}

func (s *SignalStream) handleClosedBar(ctx context.Context, ev klineEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("symbol", ev.Symbol).Msg("recovered panic in signal handler")
		}
	}()

	bar := Bar{
		Symbol:    ev.Symbol,
		Interval:  ev.Kline.Interval,
		OpenTime:  time.UnixMilli(ev.Kline.OpenTime),
		CloseTime: time.UnixMilli(ev.Kline.CloseTime),
		Open:      parseF(ev.Kline.Open),
		High:      parseF(ev.Kline.High),
		Low:       parseF(ev.Kline.Low),
		Close:     parseF(ev.Kline.Close),
		Volume:    parseF(ev.Kline.Volume),
	}

	sig, err := s.source.Evaluate(ctx, bar)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", bar.Symbol).Msg("signal evaluation failed")
		return
	}
	if sig.RefPrice == 0 {
		sig.RefPrice = bar.Close
	}
	if sig.SkipReason != "" {
		s.logger.Debug().Str("symbol", bar.Symbol).Str("skip_reason", sig.SkipReason).Msg("signal skipped")
		return
	}
	if !sig.Long && !sig.Short {
		return
	}
	metrics.SignalsReceived.WithLabelValues(bar.Symbol).Inc()
	s.handler(ctx, bar.Symbol, sig)
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

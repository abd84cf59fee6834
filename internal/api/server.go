// Package api exposes a small operational surface: health, status, open
// positions, Prometheus metrics and the circuit-breaker reset.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"perps-trading-bot/internal/journal"
	"perps-trading-bot/internal/market"
	"perps-trading-bot/internal/position"
	"perps-trading-bot/internal/risk"
)

// Server is the admin HTTP server. It reads bot state; the only mutation it
// offers is the explicit circuit-breaker resume.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	store      *position.Store
	cache      *market.PriceCache
	breaker    *risk.CircuitBreaker
	journal    *journal.Journal
	logger     zerolog.Logger
	startedAt  time.Time
}

func NewServer(addr string, store *position.Store, cache *market.PriceCache, breaker *risk.CircuitBreaker, jrnl *journal.Journal, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:    router,
		store:     store,
		cache:     cache,
		breaker:   breaker,
		journal:   jrnl,
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/positions", s.handlePositions)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.POST("/circuit-breaker/reset", s.handleBreakerReset)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("admin API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("admin API shutdown failed")
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	loss, streak, paused, reason := s.breaker.Stats()

	prices := gin.H{}
	for symbol, price := range s.cache.Snapshot() {
		entry := gin.H{"price": price}
		if age, ok := s.cache.Age(symbol); ok {
			entry["age_ms"] = age.Milliseconds()
		}
		prices[symbol] = entry
	}

	dailyPnL, err := s.journal.DailyPnL(c.Request.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not read daily pnl")
	}

	c.JSON(http.StatusOK, gin.H{
		"open_positions": s.store.Count(),
		"daily_pnl":      dailyPnL,
		"circuit_breaker": gin.H{
			"paused":             paused,
			"trip_reason":        reason,
			"cumulative_loss":    loss,
			"consecutive_losses": streak,
		},
		"prices": prices,
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.store.All()
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		entry := gin.H{
			"symbol":        p.Symbol,
			"side":          p.Side,
			"entry_time":    p.EntryTime,
			"entry_price":   p.EntryPrice,
			"size":          p.Size,
			"stop_loss":     p.StopLoss,
			"take_profit":   p.TakeProfit,
			"trailing_stop": p.TrailingStop,
			"bars_held":     p.BarsHeld,
			"order_id":      p.OrderID,
		}
		if price, ok := s.cache.Price(p.Symbol); ok {
			entry["mark"] = price
			entry["unrealized_pnl"] = p.PnLAt(price)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "count": len(out)})
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	_, _, paused, reason := s.breaker.Stats()
	if !paused {
		c.JSON(http.StatusConflict, gin.H{"error": "circuit breaker is not paused"})
		return
	}

	s.breaker.Resume()
	s.logger.Warn().Str("previous_reason", reason).Msg("circuit breaker reset via admin API")
	c.JSON(http.StatusOK, gin.H{
		"status":          "resumed",
		"previous_reason": reason,
	})
}

package exchange

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perps-trading-bot/internal/metrics"
	"perps-trading-bot/internal/position"
	"perps-trading-bot/internal/risk"
)

// Gateway is the order and account surface the trading loops depend on.
// It is an interface so tests can substitute a fake.
type Gateway interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side position.Side, qty float64) (*OrderResponse, error)
	CloseAtMark(ctx context.Context, pos *position.Position) (*OrderResponse, float64, error)
	OpenPositions(ctx context.Context) ([]RemotePosition, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
	AccountBalance(ctx context.Context, asset string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Filters(symbol string) (SymbolFilters, bool)
}

// BinanceGateway implements Gateway over the futures REST client.
type BinanceGateway struct {
	client         *Client
	filters        map[string]SymbolFilters
	maxSlippagePct float64
	logger         zerolog.Logger
}

// NewBinanceGateway loads symbol filters for the traded symbols and returns
// a ready gateway. maxSlippagePct bounds the warn-only divergence check on
// closes; zero disables it.
func NewBinanceGateway(ctx context.Context, client *Client, symbols []string, maxSlippagePct float64, logger zerolog.Logger) (*BinanceGateway, error) {
	filters, err := client.LoadSymbolFilters(ctx, symbols)
	if err != nil {
		return nil, err
	}
	return &BinanceGateway{
		client:         client,
		filters:        filters,
		maxSlippagePct: maxSlippagePct,
		logger:         logger.With().Str("component", "gateway").Logger(),
	}, nil
}

// Filters returns the cached trading rules for a symbol.
func (g *BinanceGateway) Filters(symbol string) (SymbolFilters, bool) {
	f, ok := g.filters[normalizeSymbol(symbol)]
	return f, ok
}

// PlaceMarketOrder rounds the quantity to the symbol's filters, validates it
// and submits a market order with a fresh client order ID.
func (g *BinanceGateway) PlaceMarketOrder(ctx context.Context, symbol string, side position.Side, qty float64) (*OrderResponse, error) {
	symbol = normalizeSymbol(symbol)
	f, ok := g.filters[symbol]
	if !ok {
		return nil, fmt.Errorf("no filters loaded for %s", symbol)
	}

	rounded := f.RoundQty(qty)
	price, err := g.MarkPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("mark price for order validation: %w", err)
	}
	if bumped := f.EnsureMinNotional(rounded, price); bumped != rounded {
		if bumped <= 0 {
			return nil, fmt.Errorf("quantity %.8f cannot reach min notional %.2f for %s", rounded, f.MinNotional, symbol)
		}
		g.logger.Warn().
			Str("symbol", symbol).
			Float64("sized", rounded).
			Float64("bumped", bumped).
			Msg("quantity bumped to meet min notional")
		rounded = bumped
	}
	if err := f.ValidateOrder(rounded, price); err != nil {
		return nil, err
	}

	resp, err := g.placeOrder(ctx, OrderParams{
		Symbol:        symbol,
		Side:          side.OrderSide(),
		Type:          "MARKET",
		Quantity:      rounded,
		ClientOrderID: "bot-" + uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(symbol, string(side)).Inc()
	g.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("qty", rounded).
		Int64("order_id", resp.OrderID).
		Float64("avg_price", resp.AvgPrice).
		Msg("market order placed")
	return resp, nil
}

// CloseAtMark flattens a position with a reduce-only market order sized to
// the tracked quantity. It returns the exit order and the mark price used.
// A divergence between the tracked size and what the exchange fills is logged
// but never blocks the close.
func (g *BinanceGateway) CloseAtMark(ctx context.Context, pos *position.Position) (*OrderResponse, float64, error) {
	symbol := normalizeSymbol(pos.Symbol)
	f, ok := g.filters[symbol]
	if !ok {
		return nil, 0, fmt.Errorf("no filters loaded for %s", symbol)
	}

	mark, err := g.MarkPrice(ctx, symbol)
	if err != nil {
		return nil, 0, fmt.Errorf("mark price for close: %w", err)
	}
	if g.maxSlippagePct > 0 {
		last, lerr := g.LastPrice(ctx, symbol)
		switch {
		case lerr != nil:
			g.logger.Warn().
				Str("symbol", symbol).
				Err(lerr).
				Msg("could not fetch last price for divergence check, closing anyway")
		case risk.SlippageExceeded(last, mark, g.maxSlippagePct):
			g.logger.Warn().
				Str("symbol", symbol).
				Float64("last", last).
				Float64("mark", mark).
				Float64("max_slippage_pct", g.maxSlippagePct).
				Msg("mark price diverged from last trade beyond slippage bound, closing anyway")
		}
	}

	rounded := f.RoundQty(pos.Size)
	if rounded <= 0 {
		return nil, 0, fmt.Errorf("close size rounds to zero for %s (size %.8f)", symbol, pos.Size)
	}

	resp, err := g.placeOrder(ctx, OrderParams{
		Symbol:        symbol,
		Side:          pos.Side.Opposite(),
		Type:          "MARKET",
		Quantity:      rounded,
		ReduceOnly:    true,
		ClientOrderID: "bot-close-" + uuid.NewString(),
	})
	if err != nil {
		return nil, 0, err
	}

	if resp.ExecutedQty > 0 && resp.ExecutedQty != rounded {
		g.logger.Warn().
			Str("symbol", symbol).
			Float64("requested", rounded).
			Float64("executed", resp.ExecutedQty).
			Msg("close fill size differs from tracked size")
	}
	g.logger.Info().
		Str("symbol", symbol).
		Str("side", string(pos.Side)).
		Float64("qty", rounded).
		Float64("mark", mark).
		Int64("order_id", resp.OrderID).
		Msg("position closed at mark")
	return resp, mark, nil
}

func (g *BinanceGateway) placeOrder(ctx context.Context, p OrderParams) (*OrderResponse, error) {
	f := g.filters[p.Symbol]
	params := map[string]string{
		"symbol":   p.Symbol,
		"side":     p.Side,
		"type":     p.Type,
		"quantity": f.FormatQty(p.Quantity),
	}
	if p.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if p.ClientOrderID != "" {
		params["newClientOrderId"] = p.ClientOrderID
	}

	var resp OrderResponse
	if err := g.client.signedPost(ctx, "/fapi/v1/order", params, 1, &resp); err != nil {
		return nil, fmt.Errorf("place %s %s order: %w", p.Side, p.Symbol, err)
	}
	return &resp, nil
}

// OpenPositions returns the exchange's open positions, filtering out flat
// entries.
func (g *BinanceGateway) OpenPositions(ctx context.Context) ([]RemotePosition, error) {
	var all []RemotePosition
	if err := g.client.signedGet(ctx, "/fapi/v2/positionRisk", nil, 5, &all); err != nil {
		return nil, fmt.Errorf("fetch open positions: %w", err)
	}
	open := all[:0]
	for _, p := range all {
		if p.PositionAmt != 0 {
			open = append(open, p)
		}
	}
	return open, nil
}

// MarkPrice returns the current mark price for a symbol.
func (g *BinanceGateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var mp MarkPrice
	params := map[string]string{"symbol": normalizeSymbol(symbol)}
	if err := g.client.publicGet(ctx, "/fapi/v1/premiumIndex", params, 1, &mp); err != nil {
		return 0, fmt.Errorf("fetch mark price for %s: %w", symbol, err)
	}
	return mp.MarkPrice, nil
}

// LastPrice returns the last traded price for a symbol.
func (g *BinanceGateway) LastPrice(ctx context.Context, symbol string) (float64, error) {
	var tp tickerPrice
	params := map[string]string{"symbol": normalizeSymbol(symbol)}
	if err := g.client.publicGet(ctx, "/fapi/v1/ticker/price", params, 1, &tp); err != nil {
		return 0, fmt.Errorf("fetch last price for %s: %w", symbol, err)
	}
	return tp.Price, nil
}

// AccountBalance returns the available balance for an asset, e.g. USDT.
func (g *BinanceGateway) AccountBalance(ctx context.Context, asset string) (float64, error) {
	var balances []accountBalance
	if err := g.client.signedGet(ctx, "/fapi/v2/balance", nil, 5, &balances); err != nil {
		return 0, fmt.Errorf("fetch account balance: %w", err)
	}
	for _, b := range balances {
		if b.Asset == asset {
			return b.AvailableBalance, nil
		}
	}
	return 0, fmt.Errorf("asset %s not found in account balance", asset)
}

// SetLeverage sets the leverage for a symbol. Called once per symbol at
// startup.
func (g *BinanceGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   normalizeSymbol(symbol),
		"leverage": strconv.Itoa(leverage),
	}
	if err := g.client.signedPost(ctx, "/fapi/v1/leverage", params, 1, nil); err != nil {
		return fmt.Errorf("set leverage %dx for %s: %w", leverage, symbol, err)
	}
	return nil
}

package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	// BaseURL is the production Binance USDT-M Futures REST endpoint.
	BaseURL = "https://fapi.binance.com"
	// TestnetURL is the futures testnet REST endpoint.
	TestnetURL = "https://testnet.binancefuture.com"
	// StreamURL is the production futures WebSocket endpoint.
	StreamURL = "wss://fstream.binance.com"
	// TestnetStreamURL is the futures testnet WebSocket endpoint.
	TestnetStreamURL = "wss://stream.binancefuture.com"
)

// APIError is a non-2xx response from the exchange, carrying enough context
// to classify it as transient or permanent.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange API error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the error is a transient class worth retrying:
// rate limits, bans and server-side failures. Parameter rejections and the
// like are permanent and surface immediately.
func (e *APIError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 418 || e.StatusCode >= 500 {
		return true
	}
	switch e.Code {
	case -1001, // DISCONNECTED
		-1003, // TOO_MANY_REQUESTS
		-1007, // TIMEOUT
		-1015, // TOO_MANY_ORDERS
		-1016: // SERVICE_SHUTTING_DOWN
		return true
	}
	return false
}

// IsRateLimit reports whether the error is a rate-limit response that should
// open the rate limiter's circuit.
func (e *APIError) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 418 || e.Code == -1003
}

// IsRetryable classifies any error for the retry loops: APIErrors by class,
// everything else (network failures, timeouts) as transient.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return err != nil
}

// OrderParams are the parameters for placing a futures order.
type OrderParams struct {
	Symbol        string
	Side          string // BUY or SELL
	Type          string // MARKET
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResponse is the exchange's acknowledgement of a placed order.
type OrderResponse struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderID string  `json:"clientOrderId"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	CumQuote      float64 `json:"cumQuote,string"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	UpdateTime    int64   `json:"updateTime"`
}

// RemotePosition is one entry of the exchange's authoritative position list.
// PositionAmt is signed: positive long, negative short.
type RemotePosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Leverage         int     `json:"leverage,string"`
	PositionSide     string  `json:"positionSide"`
	UpdateTime       int64   `json:"updateTime"`
}

// MarkPrice is the premium-index response for a symbol.
type MarkPrice struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"markPrice,string"`
	IndexPrice      float64 `json:"indexPrice,string"`
	LastFundingRate float64 `json:"lastFundingRate,string"`
	NextFundingTime int64   `json:"nextFundingTime"`
	Time            int64   `json:"time"`
}

// SymbolFilters are the trading rules for one symbol, extracted from
// exchangeInfo: quantity step, price tick and the minimum order notional.
type SymbolFilters struct {
	Symbol      string
	StepSize    float64
	TickSize    float64
	MinQty      float64
	MinNotional float64
}

// exchangeInfo response subset.
type exchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			StepSize    string `json:"stepSize"`
			TickSize    string `json:"tickSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// tickerPrice is the last-traded-price response.
type tickerPrice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
}

// accountBalance is one entry of the futures balance response.
type accountBalance struct {
	Asset            string  `json:"asset"`
	Balance          float64 `json:"balance,string"`
	AvailableBalance float64 `json:"availableBalance,string"`
}

// normalizeSymbol uppercases a symbol for map keys and API params.
func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

package binance

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// APIError is a non-2xx REST or WebSocket API reply. Status is the HTTP (or
// WebSocket API) status; Code and Msg come from the body when it is JSON.
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e APIError) Error() string {
	if e.Code == 0 {
		return "binance http error " + strconv.Itoa(e.Status) + ": " + e.Msg
	}
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	TransactTime  int64  `json:"transactTime"`
}

type orderQueryResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Time               int64  `json:"time"`
	UpdateTime         int64  `json:"updateTime"`
}

func (r orderQueryResponse) toOrder() core.Order {
	price, _ := decimal.NewFromString(r.Price)
	qty, _ := decimal.NewFromString(r.OrigQty)
	order := core.Order{
		ID:       strconv.FormatInt(r.OrderID, 10),
		ClientID: r.ClientOrderID,
		Symbol:   r.Symbol,
		Side:     core.Side(r.Side),
		Type:     core.OrderType(r.Type),
		Price:    price,
		Qty:      qty,
		Status:   core.OrderStatus(r.Status),
	}
	if r.Time > 0 {
		order.CreatedAt = time.UnixMilli(r.Time)
	}
	return order
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
	TickSize    string `json:"tickSize"`
}

type symbolInfoResponse struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []symbolFilter `json:"filters"`
}

type symbolInfo struct {
	baseAsset  string
	quoteAsset string
	rules      core.Rules
}

func parseSymbolInfo(src symbolInfoResponse) symbolInfo {
	info := symbolInfo{
		baseAsset:  src.BaseAsset,
		quoteAsset: src.QuoteAsset,
		rules:      core.Rules{MinQty: decimal.Zero, MinNotional: decimal.Zero, PriceTick: decimal.Zero, QtyStep: decimal.Zero},
	}
	for _, f := range src.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			if v, err := decimal.NewFromString(f.MinQty); err == nil {
				info.rules.MinQty = v
			}
			if v, err := decimal.NewFromString(f.StepSize); err == nil {
				info.rules.QtyStep = v
			}
		case "PRICE_FILTER":
			if v, err := decimal.NewFromString(f.TickSize); err == nil {
				info.rules.PriceTick = v
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			if v, err := decimal.NewFromString(f.MinNotional); err == nil {
				// Keep the stricter minimum when both filters are present.
				if v.Cmp(info.rules.MinNotional) > 0 {
					info.rules.MinNotional = v
				}
			}
		}
	}
	return info
}

// executionReport is the user data stream order update.
type executionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	OrigClientID    string `json:"C"`
	Side            string `json:"S"`
	OrderPrice      string `json:"p"`
	OrderQty        string `json:"q"`
	ExecutionType   string `json:"x"`
	OrderStatus     string `json:"X"`
	RejectReason    string `json:"r"`
	OrderID         int64  `json:"i"`
	LastExecQty     string `json:"l"`
	CumulativeQty   string `json:"z"`
	LastExecPrice   string `json:"L"`
	TransactionTime int64  `json:"T"`
	TradeID         int64  `json:"t"`

	// Upper-case twins of the keys above; declared so encoding/json's
	// case-insensitive matching cannot overwrite the lower-case fields.
	StopPrice       string `json:"P"`
	QuoteOrderQty   string `json:"Q"`
	CumulativeQuote string `json:"Z"`
	Ignore          int64  `json:"I"`
}

// tradeEvent is the market stream <symbol>@trade payload.
type tradeEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
}

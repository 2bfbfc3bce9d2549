package binance

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

const sourceMarket = "market"

type combinedStreamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// SubscribePrice streams last-trade prices for symbol from the market stream.
func (c *Client) SubscribePrice(ctx context.Context, symbol string) (<-chan core.Event, error) {
	if c.streamURL == "" {
		return nil, errors.New("stream url required")
	}
	if symbol == "" {
		return nil, errors.New("symbol required")
	}
	endpoint := c.streamURL + "/" + strings.ToLower(symbol) + "@trade"
	dial := func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		return conn, err
	}
	return c.runFeed(ctx, sourceMarket, dial, func(data []byte) []core.Event {
		tick, ok := decodeTrade(data)
		if !ok {
			return nil
		}
		return []core.Event{{Kind: core.EventPrice, Tick: tick}}
	}), nil
}

func decodeTrade(data []byte) (core.PriceTick, bool) {
	var frame combinedStreamFrame
	if err := json.Unmarshal(data, &frame); err == nil && len(frame.Data) > 0 {
		data = frame.Data
	}
	var msg tradeEvent
	if err := json.Unmarshal(data, &msg); err != nil || msg.EventType != "trade" {
		return core.PriceTick{}, false
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil || price.Cmp(decimal.Zero) <= 0 {
		return core.PriceTick{}, false
	}
	ts := msg.TradeTime
	if ts == 0 {
		ts = msg.EventTime
	}
	return core.PriceTick{Symbol: msg.Symbol, Price: price, Time: time.UnixMilli(ts)}, true
}

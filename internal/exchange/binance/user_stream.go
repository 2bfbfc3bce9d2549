package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

const sourceUserData = "user_data"

type userDataEnvelope struct {
	SubscriptionID *int            `json:"subscriptionId"`
	Event          json.RawMessage `json:"event"`
}

// SubscribeFills streams fills and out-of-band order closures for symbol from
// the WebSocket API user data stream.
func (c *Client) SubscribeFills(ctx context.Context, symbol string) (<-chan core.Event, error) {
	if c.wsAPIURL == "" {
		return nil, errors.New("ws api url required")
	}
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, errors.Join(errors.New("api_key/api_secret required"), core.ErrAuth)
	}
	return c.runFeed(ctx, sourceUserData, c.dialUserData, func(data []byte) []core.Event {
		ev, ok := decodeUserData(data, symbol)
		if !ok {
			return nil
		}
		return []core.Event{ev}
	}), nil
}

func (c *Client) dialUserData(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsAPIURL, nil)
	if err != nil {
		return nil, err
	}
	if _, err := sendWSRequest(ctx, conn, "userDataStream.subscribe.signature", c.userStreamParams()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) userStreamParams() map[string]interface{} {
	ts := c.nonce.Next()
	values := url.Values{}
	values.Set("apiKey", c.apiKey)
	values.Set("timestamp", strconv.FormatInt(ts, 10))
	if c.recvWindow > 0 {
		values.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}
	params := map[string]interface{}{
		"apiKey":    c.apiKey,
		"timestamp": ts,
		"signature": sign(c.apiSecret, values.Encode()),
	}
	if c.recvWindow > 0 {
		params["recvWindow"] = c.recvWindow.Milliseconds()
	}
	return params
}

func decodeUserData(data []byte, symbol string) (core.Event, bool) {
	if isWSResponse(data) {
		return core.Event{}, false
	}
	var env userDataEnvelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Event) > 0 {
		data = env.Event
	}
	var msg executionReport
	if err := json.Unmarshal(data, &msg); err != nil {
		return core.Event{}, false
	}
	if msg.EventType != "executionReport" {
		return core.Event{}, false
	}
	if symbol != "" && msg.Symbol != symbol {
		return core.Event{}, false
	}
	ts := msg.TransactionTime
	if ts == 0 {
		ts = msg.EventTime
	}
	fill := core.FillEvent{
		OrderID:  strconv.FormatInt(msg.OrderID, 10),
		ClientID: msg.ClientOrderID,
		Symbol:   msg.Symbol,
		Side:     core.Side(msg.Side),
		Status:   core.OrderStatus(msg.OrderStatus),
		Time:     time.UnixMilli(ts),
	}
	switch msg.ExecutionType {
	case "TRADE":
		qty, err := decimal.NewFromString(msg.LastExecQty)
		if err != nil || qty.Cmp(decimal.Zero) <= 0 {
			return core.Event{}, false
		}
		price, err := decimal.NewFromString(msg.LastExecPrice)
		if err != nil || price.Cmp(decimal.Zero) <= 0 {
			price, err = decimal.NewFromString(msg.OrderPrice)
			if err != nil {
				return core.Event{}, false
			}
		}
		if msg.TradeID > 0 {
			fill.TradeID = strconv.FormatInt(msg.TradeID, 10)
		}
		fill.Price = price
		fill.Qty = qty
		return core.Event{Kind: core.EventFill, Fill: fill}, true
	case "CANCELED", "EXPIRED", "REJECTED":
		if msg.OrigClientID != "" {
			fill.ClientID = msg.OrigClientID
		}
		fill.Price, _ = decimal.NewFromString(msg.OrderPrice)
		fill.Qty, _ = decimal.NewFromString(msg.CumulativeQty)
		return core.Event{Kind: core.EventOrderClosed, Fill: fill}, true
	default:
		return core.Event{}, false
	}
}

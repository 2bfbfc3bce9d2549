package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridbot/internal/core"
)

// PlaceOrder submits a GTC limit order. The client order id is fixed before
// the first attempt so a retried submission that the exchange already
// accepted comes back as a duplicate and resolves to the original order.
// When retries run out the client id is looked up once more, since the last
// lost reply may still have been accepted.
func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.ClientID == "" {
		order.ClientID = newClientOrderID(c.clientOrderPrefix)
	}
	if order.Type == "" {
		order.Type = core.Limit
	}
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("quantity", order.Qty.String())
	if order.Type == core.Limit {
		params.Set("timeInForce", "GTC")
		params.Set("price", order.Price.String())
	}
	params.Set("newClientOrderId", order.ClientID)
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, AuthSigned)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateOrder) {
			existing, lookupErr := c.getOrderByClientID(ctx, order.Symbol, order.ClientID)
			if lookupErr == nil {
				c.logger.Info("order_duplicate_resolved",
					zap.String("client_id", order.ClientID),
					zap.String("order_id", existing.ID),
					zap.String("status", string(existing.Status)),
				)
				return existing, nil
			}
			return core.Order{}, errors.Join(err, lookupErr)
		}
		if errors.Is(err, core.ErrTransport) {
			existing, lookupErr := c.getOrderByClientID(ctx, order.Symbol, order.ClientID)
			if lookupErr == nil {
				c.logger.Warn("order_recovered",
					zap.String("client_id", order.ClientID),
					zap.String("order_id", existing.ID),
					zap.String("status", string(existing.Status)),
				)
				return existing, nil
			}
			c.logger.Debug("order_recover_lookup_failed", zap.String("client_id", order.ClientID), zap.Error(lookupErr))
		}
		return core.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	order.ID = strconv.FormatInt(resp.OrderID, 10)
	order.Status = core.OrderNew
	if resp.Status != "" {
		order.Status = core.OrderStatus(resp.Status)
	}
	if resp.TransactTime > 0 {
		order.CreatedAt = time.UnixMilli(resp.TransactTime)
	}
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, AuthSigned)
	return err
}

// OpenOrders lists the open orders this bot placed on symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, ord := range resp {
		if !c.OwnsClientID(ord.ClientOrderID) {
			continue
		}
		order := ord.toOrder()
		executedQty, _ := decimal.NewFromString(ord.ExecutedQty)
		if executedQty.Cmp(decimal.Zero) > 0 && order.Qty.Cmp(executedQty) > 0 {
			order.Qty = order.Qty.Sub(executedQty)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	return c.queryOrder(ctx, symbol, orderID, "")
}

func (c *Client) getOrderByClientID(ctx context.Context, symbol, clientID string) (core.Order, error) {
	return c.queryOrder(ctx, symbol, "", clientID)
}

func (c *Client) queryOrder(ctx context.Context, symbol, orderID, clientID string) (core.Order, error) {
	if symbol == "" {
		return core.Order{}, errors.New("symbol required")
	}
	if orderID == "" && clientID == "" {
		return core.Order{}, errors.New("orderID or clientID required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID != "" {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", clientID)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp orderQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	return resp.toOrder(), nil
}

var orderSeq uint64

// newClientOrderID returns "<prefix>-<ts36>-<seq36>", at most 36 characters.
func newClientOrderID(prefix string) string {
	if prefix == "" {
		prefix = "gridbot"
	}
	tsPart := strconv.FormatInt(time.Now().UnixNano(), 36)
	seqPart := strconv.FormatUint(atomic.AddUint64(&orderSeq, 1), 36)
	suffix := tsPart + "-" + seqPart
	maxPrefix := 36 - 1 - len(suffix)
	if maxPrefix < 1 {
		maxPrefix = 1
	}
	if len(prefix) > maxPrefix {
		prefix = prefix[:maxPrefix]
	}
	return prefix + "-" + suffix
}

package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

type executionReportPayload struct {
	OrderID   int64
	ClientID  string
	Side      string
	Exec      string
	Status    string
	Price     string
	LastQty   string
	CumQty    string
	TradeID   int64
	Subscribe bool
}

func TestDecodeUserDataExecutionReports(t *testing.T) {
	trade := executionReportJSON(t, executionReportPayload{OrderID: 5, Side: "BUY", Exec: "TRADE", Status: "FILLED", Price: "148", LastQty: "0.05", CumQty: "0.05", TradeID: 91, Subscribe: true})
	ev, ok := decodeUserData(trade, "ETHUSDT")
	if !ok || ev.Kind != core.EventFill {
		t.Fatalf("decodeUserData(trade) = %+v, %v", ev, ok)
	}
	if ev.Fill.OrderID != "5" || ev.Fill.TradeID != "91" || ev.Fill.Status != core.OrderFilled || !ev.Fill.Price.Equal(decimal.NewFromInt(148)) {
		t.Fatalf("fill = %+v", ev.Fill)
	}

	closed := executionReportJSON(t, executionReportPayload{OrderID: 6, Side: "SELL", Exec: "CANCELED", Status: "CANCELED", Price: "150", LastQty: "0", CumQty: "0"})
	ev, ok = decodeUserData(closed, "ETHUSDT")
	if !ok || ev.Kind != core.EventOrderClosed || ev.Fill.Status != core.OrderCanceled {
		t.Fatalf("decodeUserData(cancel) = %+v, %v", ev, ok)
	}

	newOrder := executionReportJSON(t, executionReportPayload{OrderID: 7, Side: "SELL", Exec: "NEW", Status: "NEW", Price: "150", LastQty: "0", CumQty: "0"})
	if _, ok := decodeUserData(newOrder, "ETHUSDT"); ok {
		t.Fatalf("NEW execution report should be ignored")
	}
	if _, ok := decodeUserData(trade, "BTCUSDT"); ok {
		t.Fatalf("other symbol should be ignored")
	}
	if _, ok := decodeUserData([]byte(`{"id":"x","status":200,"result":{}}`), "ETHUSDT"); ok {
		t.Fatalf("ws response should be ignored")
	}
}

func TestDecodeTrade(t *testing.T) {
	tick, ok := decodeTrade([]byte(`{"e":"trade","E":1,"s":"ETHUSDT","t":3,"p":"150.25","q":"1","T":2}`))
	if !ok || tick.Symbol != "ETHUSDT" || !tick.Price.Equal(decimal.RequireFromString("150.25")) {
		t.Fatalf("decodeTrade() = %+v, %v", tick, ok)
	}
	tick, ok = decodeTrade([]byte(`{"stream":"ethusdt@trade","data":{"e":"trade","s":"ETHUSDT","p":"151","T":2}}`))
	if !ok || !tick.Price.Equal(decimal.NewFromInt(151)) {
		t.Fatalf("decodeTrade(combined) = %+v, %v", tick, ok)
	}
	if _, ok := decodeTrade([]byte(`{"result":null,"id":1}`)); ok {
		t.Fatalf("non-trade frame should be ignored")
	}
}

func TestSubscribePriceEmitsResyncAfterReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	asyncErr := make(chan error, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/ethusdt@trade") {
			recordAsyncErr(asyncErr, errors.New("unexpected stream path "+r.URL.Path))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			recordAsyncErr(asyncErr, err)
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		price := "150"
		if n > 1 {
			price = "151"
		}
		if err := conn.WriteJSON(map[string]any{"e": "trade", "s": "ETHUSDT", "p": price, "T": time.Now().UnixMilli()}); err != nil {
			recordAsyncErr(asyncErr, err)
			return
		}
		if n == 1 {
			return
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	client := NewClientWithOptions(Options{
		StreamURL:    httpToWS(srv.URL),
		KeepaliveSec: 1,
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := client.SubscribePrice(ctx, "ETHUSDT")
	if err != nil {
		t.Fatalf("SubscribePrice() error = %v", err)
	}

	want := []core.EventKind{core.EventPrice, core.EventResync, core.EventPrice}
	got := collectEvents(t, events, len(want))
	for i, ev := range got {
		if ev.Kind != want[i] {
			t.Fatalf("event %d kind = %s, want %s (all %v)", i, ev.Kind, want[i], got)
		}
		if ev.Source != sourceMarket {
			t.Fatalf("event %d source = %q", i, ev.Source)
		}
	}
	if !got[2].Tick.Price.Equal(decimal.NewFromInt(151)) {
		t.Fatalf("post-reconnect price = %s, want 151", got[2].Tick.Price)
	}
	assertNoAsyncErr(t, asyncErr)

	cancel()
	drainUntilClosed(t, events)
}

func TestSubscribeFillsStreamsExecutionReports(t *testing.T) {
	upgrader := websocket.Upgrader{}
	asyncErr := make(chan error, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			recordAsyncErr(asyncErr, err)
			return
		}
		defer conn.Close()
		req, err := readWSRequest(conn)
		if err != nil {
			recordAsyncErr(asyncErr, err)
			return
		}
		if req.Method != "userDataStream.subscribe.signature" || req.Params["apiKey"] != "k" || req.Params["signature"] == nil {
			recordAsyncErr(asyncErr, errors.New("unexpected subscribe request"))
		}
		if err := writeWSResponse(conn, req.ID); err != nil {
			recordAsyncErr(asyncErr, err)
			return
		}
		for _, p := range []executionReportPayload{
			{OrderID: 5, Side: "BUY", Exec: "NEW", Status: "NEW", Price: "148", LastQty: "0", CumQty: "0", Subscribe: true},
			{OrderID: 5, Side: "BUY", Exec: "TRADE", Status: "PARTIALLY_FILLED", Price: "148", LastQty: "0.02", CumQty: "0.02", TradeID: 1, Subscribe: true},
			{OrderID: 5, Side: "BUY", Exec: "TRADE", Status: "FILLED", Price: "148", LastQty: "0.03", CumQty: "0.05", TradeID: 2, Subscribe: true},
			{OrderID: 8, Side: "SELL", Exec: "EXPIRED", Status: "EXPIRED", Price: "152", LastQty: "0", CumQty: "0", Subscribe: true},
		} {
			if err := conn.WriteMessage(websocket.TextMessage, executionReportJSON(t, p)); err != nil {
				recordAsyncErr(asyncErr, err)
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	client := NewClientWithOptions(Options{APIKey: "k", APISecret: "s", WSAPIURL: httpToWS(srv.URL), RecvWindowMs: 5000})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := client.SubscribeFills(ctx, "ETHUSDT")
	if err != nil {
		t.Fatalf("SubscribeFills() error = %v", err)
	}
	got := collectEvents(t, events, 3)
	if got[0].Kind != core.EventFill || got[0].Fill.Status != core.OrderPartiallyFilled {
		t.Fatalf("event 0 = %+v", got[0])
	}
	if got[1].Kind != core.EventFill || got[1].Fill.Status != core.OrderFilled || got[1].Fill.TradeID != "2" {
		t.Fatalf("event 1 = %+v", got[1])
	}
	if got[2].Kind != core.EventOrderClosed || got[2].Fill.OrderID != "8" || got[2].Fill.Status != core.OrderExpired {
		t.Fatalf("event 2 = %+v", got[2])
	}
	assertNoAsyncErr(t, asyncErr)
}

func TestSubscribeFillsAuthFailureIsFatal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := readWSRequest(conn)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"id":     req.ID,
			"status": 401,
			"error":  map[string]any{"code": -2015, "msg": "Invalid API-key, IP, or permissions for action."},
		})
	}))
	defer srv.Close()

	client := NewClientWithOptions(Options{APIKey: "k", APISecret: "bad", WSAPIURL: httpToWS(srv.URL)})
	events, err := client.SubscribeFills(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("SubscribeFills() error = %v", err)
	}
	got := collectEvents(t, events, 1)
	if got[0].Kind != core.EventFatal || !errors.Is(got[0].Err, core.ErrAuth) {
		t.Fatalf("event = %+v, want fatal auth", got[0])
	}
	drainUntilClosed(t, events)
}

func TestRelayPreservesOrderWithSlowConsumer(t *testing.T) {
	in := make(chan core.Event)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := relay(ctx, in)

	go func() {
		for i := 0; i < 500; i++ {
			in <- core.Event{Kind: core.EventPrice, Tick: core.PriceTick{Price: decimal.NewFromInt(int64(i))}}
		}
		close(in)
	}()

	i := 0
	for ev := range out {
		if !ev.Tick.Price.Equal(decimal.NewFromInt(int64(i))) {
			t.Fatalf("event %d out of order: %s", i, ev.Tick.Price)
		}
		i++
	}
	if i != 500 {
		t.Fatalf("received %d events, want 500", i)
	}
}

func TestNextBackoffDoublesToCap(t *testing.T) {
	d := time.Second
	var seen []time.Duration
	for i := 0; i < 7; i++ {
		seen = append(seen, d)
		d = nextBackoff(d, 30*time.Second)
	}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i := range want {
		if seen[i] != want[i]*time.Second {
			t.Fatalf("backoff sequence = %v", seen)
		}
	}
}

func executionReportJSON(t *testing.T, p executionReportPayload) []byte {
	t.Helper()
	ts := time.Now().UTC().UnixMilli()
	msg := map[string]any{
		"e": "executionReport",
		"E": ts,
		"s": "ETHUSDT",
		"c": p.ClientID,
		"i": p.OrderID,
		"S": p.Side,
		"x": p.Exec,
		"X": p.Status,
		"p": p.Price,
		"q": "0.05",
		"L": p.Price,
		"l": p.LastQty,
		"z": p.CumQty,
		"T": ts,
		"t": p.TradeID,
	}
	var v any = msg
	if p.Subscribe {
		v = map[string]any{"subscriptionId": 0, "event": msg}
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal execution report failed: %v", err)
	}
	return data
}

func collectEvents(t *testing.T, ch <-chan core.Event, n int) []core.Event {
	t.Helper()
	out := make([]core.Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d events: %+v", len(out), out)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events: %+v", len(out), out)
		}
	}
	return out
}

func drainUntilClosed(t *testing.T, ch <-chan core.Event) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("channel not closed")
		}
	}
}

func readWSRequest(conn *websocket.Conn) (wsRequest, error) {
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var req wsRequest
	if err := conn.ReadJSON(&req); err != nil {
		return wsRequest{}, err
	}
	if req.ID == "" {
		return wsRequest{}, errors.New("ws request id is empty")
	}
	return req, nil
}

func writeWSResponse(conn *websocket.Conn, reqID string) error {
	resp := map[string]any{
		"id":     reqID,
		"status": 200,
		"result": map[string]any{"subscriptionId": 0},
	}
	return conn.WriteJSON(resp)
}

func httpToWS(raw string) string {
	if strings.HasPrefix(raw, "https://") {
		return "wss://" + strings.TrimPrefix(raw, "https://")
	}
	return "ws://" + strings.TrimPrefix(raw, "http://")
}

func recordAsyncErr(ch chan<- error, err error) {
	if err == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func assertNoAsyncErr(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("server error: %v", err)
	default:
	}
}

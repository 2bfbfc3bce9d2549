package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/exchange"
)

var _ exchange.Exchange = (*Client)(nil)

type Client struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	wsAPIURL          string
	streamURL         string
	symbol            string
	clientOrderPrefix string
	keepalive         time.Duration
	reconnectMin      time.Duration
	reconnectMax      time.Duration

	recvWindow time.Duration
	httpClient *http.Client
	nonce      *nonceSource
	limiter    *rate.Limiter
	maxWait    time.Duration
	retry      retrypolicy.RetryPolicy[[]byte]
	logger     *zap.Logger

	mu          sync.Mutex
	symbolCache map[string]symbolInfo
}

type Options struct {
	APIKey            string
	APISecret         string
	RestBaseURL       string
	WSAPIURL          string
	StreamURL         string
	Symbol            string
	ClientOrderPrefix string
	RecvWindowMs      int64
	HTTPTimeoutSec    int64
	KeepaliveSec      int64

	// RequestsPerSec <= 0 disables local rate limiting.
	RequestsPerSec float64
	Burst          int
	MaxWait        time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	// Feed reconnect backoff; defaults to 1s doubling up to 30s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Logger *zap.Logger
}

// NewClient builds a client for the configured pair.
func NewClient(cfg config.Config, logger *zap.Logger) (*Client, error) {
	if cfg.Credentials.PublicKey == "" || cfg.Credentials.SecretKey == "" {
		return nil, fmt.Errorf("%w: public_key/secret_key required", core.ErrConfig)
	}
	opts := Options{
		APIKey:            cfg.Credentials.PublicKey,
		APISecret:         cfg.Credentials.SecretKey,
		RestBaseURL:       cfg.Exchange.RestBaseURL,
		WSAPIURL:          cfg.Exchange.WSAPIURL,
		StreamURL:         cfg.Exchange.StreamURL,
		Symbol:            cfg.Gridbot.Pair,
		ClientOrderPrefix: cfg.Exchange.ClientOrderPrefix,
		RecvWindowMs:      cfg.Exchange.RecvWindowMs,
		HTTPTimeoutSec:    cfg.Exchange.HTTPTimeoutSec,
		KeepaliveSec:      cfg.Exchange.KeepaliveSec,
		RequestsPerSec:    cfg.Transport.RequestsPerSec,
		Burst:             cfg.Transport.Burst,
		MaxWait:           time.Duration(cfg.Transport.MaxWaitMs) * time.Millisecond,
		MaxRetries:        cfg.Transport.MaxRetries,
		BackoffBase:       time.Duration(cfg.Transport.BackoffBaseMs) * time.Millisecond,
		BackoffMax:        time.Duration(cfg.Transport.BackoffMaxMs) * time.Millisecond,
		Logger:            logger,
	}
	return NewClientWithOptions(opts), nil
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("exchange", "binance"))
	var limiter *rate.Limiter
	if opts.RequestsPerSec > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), burst)
	}
	reconnectMin := opts.ReconnectMin
	if reconnectMin <= 0 {
		reconnectMin = time.Second
	}
	reconnectMax := opts.ReconnectMax
	if reconnectMax < reconnectMin {
		reconnectMax = 30 * time.Second
		if reconnectMax < reconnectMin {
			reconnectMax = reconnectMin
		}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		apiKey:            opts.APIKey,
		apiSecret:         opts.APISecret,
		baseURL:           strings.TrimRight(opts.RestBaseURL, "/"),
		wsAPIURL:          strings.TrimRight(opts.WSAPIURL, "/"),
		streamURL:         strings.TrimRight(opts.StreamURL, "/"),
		symbol:            opts.Symbol,
		clientOrderPrefix: normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		keepalive:         time.Duration(opts.KeepaliveSec) * time.Second,
		reconnectMin:      reconnectMin,
		reconnectMax:      reconnectMax,
		recvWindow:        time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:        &http.Client{Timeout: timeout},
		nonce:             newNonceSource(),
		limiter:           limiter,
		maxWait:           opts.MaxWait,
		retry:             newRetryPolicy(maxRetries, opts.BackoffBase, opts.BackoffMax, logger),
		logger:            logger,
		symbolCache:       make(map[string]symbolInfo),
	}
}

func (c *Client) Name() string { return "binance" }

// OwnsClientID reports whether a client order id was generated by this bot.
func (c *Client) OwnsClientID(clientID string) bool {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return false
	}
	if clientID == c.clientOrderPrefix {
		return true
	}
	return strings.HasPrefix(clientID, c.clientOrderPrefix+"-")
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "gridbot"
	}
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "gridbot"
	}
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}

func (c *Client) GetRules(ctx context.Context, symbol string) (core.Rules, error) {
	info, err := c.getSymbolInfo(ctx, symbol)
	if err != nil {
		return core.Rules{}, err
	}
	return info.rules, nil
}

func (c *Client) Balances(ctx context.Context) (core.Balance, error) {
	if c.symbol == "" {
		return core.Balance{}, errors.New("symbol is required to resolve balances")
	}
	info, err := c.getSymbolInfo(ctx, c.symbol)
	if err != nil {
		return core.Balance{}, err
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned)
	if err != nil {
		return core.Balance{}, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Balance{}, err
	}
	bal := core.Balance{
		Base:        decimal.Zero,
		Quote:       decimal.Zero,
		BaseFree:    decimal.Zero,
		BaseLocked:  decimal.Zero,
		QuoteFree:   decimal.Zero,
		QuoteLocked: decimal.Zero,
	}
	for _, b := range resp.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		switch b.Asset {
		case info.baseAsset:
			bal.BaseFree = free
			bal.BaseLocked = locked
			bal.Base = free.Add(locked)
		case info.quoteAsset:
			bal.QuoteFree = free
			bal.QuoteLocked = locked
			bal.Quote = free.Add(locked)
		}
	}
	return bal, nil
}

func (c *Client) TickerPrice(ctx context.Context, symbol string) (core.PriceTick, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, AuthNone)
	if err != nil {
		return core.PriceTick{}, err
	}
	var resp tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.PriceTick{}, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return core.PriceTick{}, err
	}
	return core.PriceTick{Symbol: resp.Symbol, Price: price, Time: time.Now()}, nil
}

func (c *Client) getSymbolInfo(ctx context.Context, symbol string) (symbolInfo, error) {
	if symbol == "" {
		return symbolInfo{}, errors.New("symbol is required")
	}
	c.mu.Lock()
	if info, ok := c.symbolCache[symbol]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, AuthNone)
	if err != nil {
		return symbolInfo{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return symbolInfo{}, err
	}
	if len(resp.Symbols) == 0 {
		return symbolInfo{}, fmt.Errorf("%w: symbol %s not found", core.ErrConfig, symbol)
	}
	info := parseSymbolInfo(resp.Symbols[0])
	c.mu.Lock()
	c.symbolCache[symbol] = info
	c.mu.Unlock()
	return info, nil
}

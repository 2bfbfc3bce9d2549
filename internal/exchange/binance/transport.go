package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"

	"gridbot/internal/core"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

func newRetryPolicy(maxRetries int, base, max time.Duration, logger *zap.Logger) retrypolicy.RetryPolicy[[]byte] {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if max <= base {
		max = base * 2
	}
	return retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			return isTransient(err)
		}).
		WithBackoff(base, max).
		WithMaxRetries(maxRetries).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[[]byte]) {
			logger.Warn("request_retry",
				zap.Int("attempt", e.Attempts()),
				zap.Error(e.LastError()),
			)
		}).
		Build()
}

// doRequest runs one logical REST call. Each attempt takes a limiter token and
// is signed with a fresh nonce; transient failures are retried with backoff
// and surface as core.ErrTransport once retries run out.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	attempts := 0
	body, err := failsafe.With[[]byte](c.retry).WithContext(ctx).Get(func() ([]byte, error) {
		attempts++
		return c.attempt(ctx, method, path, params, auth)
	})
	if err == nil {
		return body, nil
	}
	if isTransient(err) {
		return nil, fmt.Errorf("%w: %s %s failed after %d attempts: %w", core.ErrTransport, method, path, attempts, err)
	}
	return nil, err
}

func (c *Client) attempt(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if err := c.waitRate(ctx); err != nil {
		return nil, err
	}
	values := cloneValues(params)
	payload := values.Encode()
	if auth == AuthSigned {
		values.Set("timestamp", strconv.FormatInt(c.nonce.Next(), 10))
		if c.recvWindow > 0 {
			values.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		payload = values.Encode()
		payload += "&signature=" + sign(c.apiSecret, payload)
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if payload != "" {
			urlStr += "?" + payload
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(payload))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, networkError{err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError{err: err}
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// waitRate reserves one token and sleeps for its delay. A delay above the
// configured ceiling gives the token back and fails with core.ErrRateLimit.
func (c *Client) waitRate(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("%w: limiter burst too small", core.ErrRateLimit)
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > c.maxWait {
		r.Cancel()
		return fmt.Errorf("%w: wait %s exceeds %s", core.ErrRateLimit, delay, c.maxWait)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func cloneValues(src url.Values) url.Values {
	out := make(url.Values, len(src)+3)
	for k, v := range src {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

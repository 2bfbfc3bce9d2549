package binance

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"gridbot/internal/core"
)

const (
	apiCodeDisconnected     = -1001
	apiCodeTooManyRequests  = -1003
	apiCodeTimeout          = -1007
	apiCodeTooManyOrders    = -1015
	apiCodeInvalidTimestamp = -1021
	apiCodeInvalidSignature = -1022
	apiCodeNewOrderRejected = -2010
	apiCodeCancelRejected   = -2011
	apiCodeOrderNotFound    = -2013
	apiCodeBadAPIKeyFormat  = -2014
	apiCodeRejectedAPIKey   = -2015
)

var apiErrorMessageKinds = map[string]error{
	"duplicate order sent.":                                  core.ErrDuplicateOrder,
	"account has insufficient balance for requested action.": core.ErrInsufficientBalance,
	"balance is insufficient.":                               core.ErrInsufficientBalance,
	"unknown order sent.":                                    core.ErrOrderNotFound,
	"order does not exist.":                                  core.ErrOrderNotFound,
	"order was canceled or expired.":                         core.ErrOrderExpired,
}

var transientAPICodes = map[int]struct{}{
	apiCodeDisconnected:     {},
	apiCodeTooManyRequests:  {},
	apiCodeTimeout:          {},
	apiCodeTooManyOrders:    {},
	apiCodeInvalidTimestamp: {},
}

// networkError marks failures below the HTTP layer: dial, TLS, reset, timeout.
type networkError struct {
	err error
}

func (e networkError) Error() string { return e.err.Error() }
func (e networkError) Unwrap() error { return e.err }

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return classifyAPIError(APIError{Status: status, Code: apiErr.Code, Msg: apiErr.Msg})
	}
	return classifyAPIError(APIError{Status: status, Msg: strings.TrimSpace(string(body))})
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	normalizedMsg := normalizeAPIErrorMsg(apiErr.Msg)

	switch apiErr.Code {
	case apiCodeOrderNotFound, apiCodeCancelRejected:
		kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
	case apiCodeNewOrderRejected:
		if kind, ok := apiErrorMessageKinds[normalizedMsg]; ok {
			kinds = appendErrorKind(kinds, kind)
		} else {
			kinds = appendErrorKind(kinds, core.ErrOrderRejected)
		}
	case apiCodeInvalidSignature, apiCodeBadAPIKeyFormat, apiCodeRejectedAPIKey:
		kinds = appendErrorKind(kinds, core.ErrAuth)
	}
	if apiErr.Status == http.StatusUnauthorized {
		kinds = appendErrorKind(kinds, core.ErrAuth)
	}

	if kind, ok := apiErrorMessageKinds[normalizedMsg]; ok {
		kinds = appendErrorKind(kinds, kind)
	}

	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

// isTransient reports whether another attempt of the same request may succeed.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, core.ErrAuth) || errors.Is(err, core.ErrRateLimit) {
		return false
	}
	var netErr networkError
	if errors.As(err, &netErr) {
		return true
	}
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	if apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusTeapot {
		return true
	}
	_, ok = transientAPICodes[apiErr.Code]
	return ok
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

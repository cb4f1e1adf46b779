// Package permissions maps exchange failures onto a small set of reason codes.
package permissions

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"execution-core/pkg/exchanges/common"
)

// Reason is a normalized failure cause.
type Reason string

const (
	InvalidKey        Reason = "INVALID_KEY"
	APIReadOnly       Reason = "API_READ_ONLY"
	FuturesNotEnabled Reason = "FUTURES_NOT_ENABLED"
	SpotNotEnabled    Reason = "SPOT_NOT_ENABLED"
	IPWhitelistBlock  Reason = "IP_WHITELIST_BLOCK"
	RateLimit         Reason = "RATE_LIMIT"
	RestrictedRegion  Reason = "RESTRICTED_REGION"
	TimestampDesync   Reason = "TIMESTAMP_DESYNC"
	Timeout           Reason = "TIMEOUT"
	Unknown           Reason = "UNKNOWN"
)

// Failure is the classifier input.
type Failure struct {
	HTTPStatus int
	Code       string
	Message    string
}

var (
	reIPWhitelist  = regexp.MustCompile(`(?i)\bip\b|whitelist`)
	rePermission   = regexp.MustCompile(`(?i)permission|invalid.*key`)
	reRestricted   = regexp.MustCompile(`(?i)restricted|region|eligibility`)
	reRate         = regexp.MustCompile(`(?i)rate|limit|too many`)
	reReadOnly     = regexp.MustCompile(`(?i)permission|read.?only`)
	reTimeMention  = regexp.MustCompile(`(?i)time|timestamp|recv|expired`)
	reSecretTokens = regexp.MustCompile(`(?i)api[_-]?key|secret`)
)

// Classify maps one failure on exchange/market to a Reason.
func Classify(ex common.Exchange, market common.MarketType, f Failure) Reason {
	switch f.HTTPStatus {
	case http.StatusTooManyRequests:
		return RateLimit
	case http.StatusUnavailableForLegalReasons:
		return RestrictedRegion
	}
	switch ex {
	case common.ExchangeBinance:
		return classifyBinance(market, f)
	case common.ExchangeBybit:
		return classifyBybit(market, f)
	}
	return Unknown
}

func classifyBinance(market common.MarketType, f Failure) Reason {
	switch f.Code {
	case "-1021":
		return TimestampDesync
	case "-1022":
		return InvalidKey
	case "-1003", "-1015":
		return RateLimit
	}
	if f.HTTPStatus == http.StatusTeapot {
		// 418: IP auto-banned after ignoring 429s
		return RateLimit
	}
	if f.Code == "-2015" || f.Code == "-2014" || rePermission.MatchString(f.Message) {
		if reIPWhitelist.MatchString(f.Message) {
			return IPWhitelistBlock
		}
		if strings.Contains(strings.ToLower(f.Message), "permission") {
			if market == common.MarketFutures {
				return FuturesNotEnabled
			}
			if market == common.MarketSpot {
				return SpotNotEnabled
			}
		}
		return InvalidKey
	}
	if reRestricted.MatchString(f.Message) {
		return RestrictedRegion
	}
	if f.HTTPStatus == http.StatusUnauthorized {
		return InvalidKey
	}
	return Unknown
}

func classifyBybit(market common.MarketType, f Failure) Reason {
	switch f.Code {
	case "10002", "10004":
		// 10004 is a bad signature, which is most often clock drift
		return TimestampDesync
	case "10001":
		if reTimeMention.MatchString(f.Message) {
			return TimestampDesync
		}
	case "10003", "10007":
		return InvalidKey
	case "10005":
		if market == common.MarketFutures {
			return FuturesNotEnabled
		}
		return APIReadOnly
	case "10006", "10018":
		return RateLimit
	case "10010":
		return IPWhitelistBlock
	}
	if reRestricted.MatchString(f.Message) && !reRate.MatchString(f.Message) {
		return RestrictedRegion
	}
	if reRate.MatchString(f.Message) {
		return RateLimit
	}
	if reReadOnly.MatchString(f.Message) {
		if market == common.MarketFutures {
			return FuturesNotEnabled
		}
		return APIReadOnly
	}
	if f.HTTPStatus == http.StatusUnauthorized {
		return InvalidKey
	}
	return Unknown
}

// ClassifyError classifies any adapter error. Non-exchange errors are TIMEOUT
// when the context expired and UNKNOWN otherwise.
func ClassifyError(err error) Reason {
	if err == nil {
		return ""
	}
	if exErr, ok := common.AsExchangeError(err); ok {
		if exErr.HTTPStatus == 0 && exErr.Code == "" && isTimeout(exErr.Err) {
			return Timeout
		}
		return Classify(exErr.Exchange, exErr.Market, Failure{
			HTTPStatus: exErr.HTTPStatus,
			Code:       exErr.Code,
			Message:    exErr.Message,
		})
	}
	if isTimeout(err) {
		return Timeout
	}
	return Unknown
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// IsDesync reports whether the caller should invalidate its clock offset.
func IsDesync(r Reason) bool {
	return r == TimestampDesync
}

// Sanitize removes key and secret mentions from exchange text.
func Sanitize(msg string) string {
	return reSecretTokens.ReplaceAllString(msg, "[REDACTED]")
}

// SanitizeSnippet is Sanitize capped at 300 bytes on a rune boundary.
func SanitizeSnippet(msg string) string {
	return common.Truncate(Sanitize(msg), 300)
}

// SanitizeForAudit returns a copy of v with the values of secret-looking keys redacted, recursively.
func SanitizeForAudit(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "secret") || strings.Contains(lower, "apikey") || lower == "api_key" {
			out[k] = "[REDACTED]"
			continue
		}
		switch t := val.(type) {
		case map[string]any:
			out[k] = SanitizeForAudit(t)
		case []any:
			items := make([]any, len(t))
			for i, item := range t {
				if m, ok := item.(map[string]any); ok {
					items[i] = SanitizeForAudit(m)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = val
		}
	}
	return out
}

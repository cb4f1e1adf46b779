package common

import (
	"errors"
	"fmt"
	"strings"
)

// ExchangeError is the single failure type raised by adapters: transport errors,
// non-2xx responses and native error envelopes all end up here.
type ExchangeError struct {
	Exchange   Exchange
	Market     MarketType
	HTTPStatus int    // 0 when the request never got a response
	Code       string // native code ("-1021", "10005"), empty if none
	Message    string
	Err        error // transport cause, if any
}

func (e *ExchangeError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Exchange))
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " http %d", e.HTTPStatus)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code %s", e.Code)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// NewExchangeError builds an ExchangeError and scrubs every non-empty secret out of the message.
func NewExchangeError(ex Exchange, market MarketType, status int, code, msg string, secrets ...string) *ExchangeError {
	return &ExchangeError{
		Exchange:   ex,
		Market:     market,
		HTTPStatus: status,
		Code:       code,
		Message:    Scrub(msg, secrets...),
	}
}

// TransportError wraps a network failure (dial, timeout, TLS).
func TransportError(ex Exchange, market MarketType, err error, secrets ...string) *ExchangeError {
	msg := "request failed"
	if err != nil {
		msg = err.Error()
	}
	return &ExchangeError{
		Exchange: ex,
		Market:   market,
		Message:  Scrub(msg, secrets...),
		Err:      err,
	}
}

// AsExchangeError unwraps err into an ExchangeError.
func AsExchangeError(err error) (*ExchangeError, bool) {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr, true
	}
	return nil, false
}

// Scrub replaces any occurrence of the given secrets with [REDACTED].
func Scrub(msg string, secrets ...string) string {
	for _, s := range secrets {
		if len(s) < 4 {
			continue
		}
		msg = strings.ReplaceAll(msg, s, "[REDACTED]")
	}
	return msg
}

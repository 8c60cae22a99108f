package chain

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass buckets chain failures for the retry policy: transient errors
// are retried with provider failover, permanent errors fail once, unknown
// errors are treated as transient but logged louder.
type ErrorClass int

const (
	ErrTransient ErrorClass = iota
	ErrPermanent
	ErrUnknown
)

func (c ErrorClass) String() string {
	switch c {
	case ErrTransient:
		return "transient"
	case ErrPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Substrings observed from real RPC providers and geth. Matched
// case-insensitively against the full error chain.
var transientMarkers = []string{
	"timeout", "timed out", "deadline exceeded",
	"connection refused", "connection reset", "broken pipe",
	"eof", "temporarily unavailable", "too many requests", "429",
	"503", "502", "bad gateway", "service unavailable",
	"replacement transaction underpriced", // nonce reuse racing a stuck tx
	"already known",
	"nonce too low", // a prior attempt actually landed
	"request entity too large",
	"no route to host", "i/o error", "tls handshake",
}

var permanentMarkers = []string{
	"insufficient funds",
	"execution reverted",
	"gas required exceeds allowance",
	"invalid sender",
	"invalid signature",
	"transaction underpriced",
	"exceeds block gas limit",
	"intrinsic gas too low",
	"unknown account",
	"invalid address",
}

// Classify buckets an error. nil maps to permanent so callers never retry
// a non-error by accident. Transient markers are matched first: some
// permanent markers are substrings of transient ones ("transaction
// underpriced" inside "replacement transaction underpriced").
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return ErrTransient
		}
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return ErrPermanent
		}
	}
	return ErrUnknown
}

// Retryable reports whether the send loop should try again.
func Retryable(err error) bool {
	return Classify(err) != ErrPermanent
}

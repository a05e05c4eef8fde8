// SPDX-License-Identifier: MIT

// Package retry classifies pipeline errors and decides how an item
// recovers from them. Classification prefers typed errors and falls
// back to string signatures; decisions are pure values the orchestrator
// applies to the item.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind labels one class of failure.
type Kind string

const (
	KindNetworkTimeout     Kind = "network_timeout"
	KindNetworkRefused     Kind = "network_refused"
	KindRateLimited        Kind = "rate_limited"
	KindAuthStale          Kind = "auth_stale"
	KindNotFound           Kind = "not_found"
	KindServiceUnavailable Kind = "service_unavailable"
	KindDownloadStalled    Kind = "download_stalled"
	KindDiskFull           Kind = "disk_full"
	KindEncoderUnavailable Kind = "encoder_unavailable"
	KindValidation         Kind = "validation"
	KindUnknown            Kind = "unknown"
)

// Service tags name the origin of an error for logs, metrics and auth
// invalidation.
const (
	ServiceIndexer  = "indexer"
	ServiceTorrent  = "torrent"
	ServiceEncoder  = "encoder"
	ServiceDelivery = "delivery"
	ServiceLibrary  = "library"
)

// ServiceError carries the origin service of a failure and optionally a
// pre-classified kind and a Retry-After hint from the remote side.
type ServiceError struct {
	Service    string
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Service, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Tag wraps err with a service tag, preserving the chain. Returns nil
// for a nil err.
func Tag(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Err: err}
}

// Mark wraps err with a service tag and an explicit kind, skipping
// signature matching during classification.
func Mark(service string, kind Kind, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &ServiceError{Service: service, Kind: kind, Err: err}
}

// RateLimited builds a rate_limited error carrying the server's
// Retry-After hint.
func RateLimited(service string, retryAfter time.Duration, err error) error {
	if err == nil {
		err = errors.New("rate limited")
	}
	return &ServiceError{Service: service, Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// Classify resolves err to an error kind and the originating service
// tag, if any. Typed errors win over string signatures.
func Classify(err error) (Kind, string) {
	if err == nil {
		return KindUnknown, ""
	}
	service := ""
	var se *ServiceError
	if errors.As(err, &se) {
		service = se.Service
		if se.Kind != "" {
			return se.Kind, service
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout, service
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindNetworkTimeout, service
	}
	return matchSignature(err.Error()), service
}

func matchSignature(msg string) Kind {
	msg = strings.ToLower(msg)
	has := func(sigs ...string) bool {
		for _, s := range sigs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
	switch {
	case has("context deadline exceeded", "timed out", "timeout"):
		return KindNetworkTimeout
	case has("connection refused", "connection reset", "no such host", "no route to host", "broken pipe"):
		return KindNetworkRefused
	case has("429", "too many requests", "rate limit"):
		return KindRateLimited
	case has("401", "403", "unauthorized", "forbidden", "session expired"):
		return KindAuthStale
	case has("404", "not found"):
		return KindNotFound
	case has("502", "503", "504", "service unavailable", "bad gateway"):
		return KindServiceUnavailable
	case has("stalled"):
		return KindDownloadStalled
	case has("no space left on device", "disk full"):
		return KindDiskFull
	case has("no encoder", "encoder unavailable"):
		return KindEncoderUnavailable
	case has("validation"):
		return KindValidation
	default:
		return KindUnknown
	}
}

// Message returns the message of the innermost cause, with the service
// tag prefixes that wrapping adds stripped off. Error history stores
// this rather than the full chain.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for {
		var se *ServiceError
		if !errors.As(err, &se) {
			return err.Error()
		}
		if se.Err == nil {
			return string(se.Kind)
		}
		err = se.Err
	}
}

// RetryAfterHint extracts the server-supplied Retry-After duration from
// the error chain, zero when absent.
func RetryAfterHint(err error) time.Duration {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// Decision tells the orchestrator how to react to a classified error.
// Exactly one of RetryIn/SkipFor is set for retryable kinds; neither is
// set for permanent ones.
type Decision struct {
	Kind            Kind
	Permanent       bool
	CountsAttempt   bool
	RetryIn         time.Duration
	SkipFor         time.Duration
	ClearDownloadID bool
	InvalidateAuth  bool
}

// Retryable reports whether the item should run again.
func (d Decision) Retryable() bool { return !d.Permanent }

const (
	rateLimitDefaultSkip = 5 * time.Minute
	rateLimitMaxSkip     = time.Hour
	outageSkip           = 5 * time.Minute
	stalledRetryIn       = 30 * time.Second
)

// Decide applies the decision table. tagged reports whether the error
// carried a service tag: a tagged network failure means the service
// itself is down, so the item is parked without burning an attempt,
// while an untagged one burns an attempt behind a backoff gate.
// attempt is the 1-based number of the attempt being recorded;
// retryAfter is the server hint for rate_limited, zero when absent.
func Decide(kind Kind, tagged bool, attempt int, retryAfter time.Duration) Decision {
	d := Decision{Kind: kind}
	switch kind {
	case KindNetworkTimeout, KindNetworkRefused:
		delay := backoff(time.Minute, attempt, time.Hour)
		if tagged {
			d.SkipFor = delay
		} else {
			d.CountsAttempt = true
			d.RetryIn = delay
		}
	case KindRateLimited:
		d.SkipFor = rateLimitDefaultSkip
		if retryAfter > 0 {
			d.SkipFor = min(retryAfter, rateLimitMaxSkip)
		}
	case KindAuthStale:
		// Fresh credentials make an immediate re-run worthwhile. The
		// attempt still counts, so a flapping session cannot loop forever.
		d.CountsAttempt = true
		d.InvalidateAuth = true
	case KindNotFound:
		d.CountsAttempt = true
		d.RetryIn = backoff(5*time.Minute, attempt, 6*time.Hour)
	case KindServiceUnavailable, KindEncoderUnavailable:
		d.SkipFor = outageSkip
	case KindDownloadStalled:
		d.CountsAttempt = true
		d.RetryIn = stalledRetryIn
		d.ClearDownloadID = true
	case KindDiskFull, KindValidation:
		d.Permanent = true
	default:
		d.Kind = KindUnknown
		d.CountsAttempt = true
		d.RetryIn = backoff(time.Minute, attempt, time.Hour)
	}
	return d
}

// backoff doubles base per attempt, capped. Attempt 1 yields base.
func backoff(base time.Duration, attempt int, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap || d <= 0 {
			return cap
		}
	}
	return min(d, cap)
}

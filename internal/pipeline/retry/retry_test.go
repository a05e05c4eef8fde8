// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifySignatures(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{errors.New("context deadline exceeded"), KindNetworkTimeout},
		{errors.New("dial tcp 10.0.0.5:9091: connection refused"), KindNetworkRefused},
		{errors.New("lookup indexer.local: no such host"), KindNetworkRefused},
		{errors.New("unexpected status 429 Too Many Requests"), KindRateLimited},
		{errors.New("unexpected status 403 Forbidden"), KindAuthStale},
		{errors.New("torrent not found"), KindNotFound},
		{errors.New("unexpected status 503 Service Unavailable"), KindServiceUnavailable},
		{errors.New("download stalled for 12m"), KindDownloadStalled},
		{errors.New("write /data: no space left on device"), KindDiskFull},
		{errors.New("no encoder available"), KindEncoderUnavailable},
		{errors.New("validation failed: missing video file"), KindValidation},
		{errors.New("invalid transition: pending -> found"), KindUnknown},
		{errors.New("something else entirely"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			kind, _ := Classify(tt.err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestClassifyTypedBeatsSignature(t *testing.T) {
	err := Mark(ServiceTorrent, KindAuthStale, errors.New("generic message"))
	kind, service := Classify(err)
	assert.Equal(t, KindAuthStale, kind)
	assert.Equal(t, ServiceTorrent, service)

	// A tag without a kind still falls through to signature matching.
	tagged := Tag(ServiceIndexer, errors.New("connection refused"))
	kind, service = Classify(tagged)
	assert.Equal(t, KindNetworkRefused, kind)
	assert.Equal(t, ServiceIndexer, service)
}

func TestClassifyContextDeadline(t *testing.T) {
	err := fmt.Errorf("search: %w", context.DeadlineExceeded)
	kind, _ := Classify(err)
	assert.Equal(t, KindNetworkTimeout, kind)
}

func TestClassifyNil(t *testing.T) {
	kind, service := Classify(nil)
	assert.Equal(t, KindUnknown, kind)
	assert.Empty(t, service)
}

func TestRetryAfterHint(t *testing.T) {
	err := RateLimited(ServiceIndexer, 90*time.Second, nil)
	assert.Equal(t, 90*time.Second, RetryAfterHint(err))
	assert.Zero(t, RetryAfterHint(errors.New("plain")))
}

func TestDecideNetworkBackoff(t *testing.T) {
	want := []time.Duration{
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
	}
	for i, w := range want {
		d := Decide(KindNetworkTimeout, false, i+1, 0)
		assert.True(t, d.CountsAttempt)
		assert.False(t, d.Permanent)
		assert.Equal(t, w, d.RetryIn, "attempt %d", i+1)
		assert.Zero(t, d.SkipFor)
	}
	// Capped at 1h well before the shift overflows.
	assert.Equal(t, time.Hour, Decide(KindNetworkRefused, false, 10, 0).RetryIn)
	assert.Equal(t, time.Hour, Decide(KindNetworkTimeout, false, 100, 0).RetryIn)
}

func TestDecideTaggedNetworkParksService(t *testing.T) {
	// The tag names a down service, so the whole item is parked and the
	// attempt is not burned.
	for _, kind := range []Kind{KindNetworkTimeout, KindNetworkRefused} {
		d := Decide(kind, true, 1, 0)
		assert.False(t, d.CountsAttempt, "kind %s", kind)
		assert.Equal(t, time.Minute, d.SkipFor, "kind %s", kind)
		assert.Zero(t, d.RetryIn, "kind %s", kind)
	}
}

func TestDecideRateLimited(t *testing.T) {
	d := Decide(KindRateLimited, true, 3, 0)
	assert.False(t, d.CountsAttempt)
	assert.Equal(t, 5*time.Minute, d.SkipFor)

	d = Decide(KindRateLimited, true, 1, 10*time.Minute)
	assert.Equal(t, 10*time.Minute, d.SkipFor)

	// Server hint is capped at one hour.
	d = Decide(KindRateLimited, true, 1, 3*time.Hour)
	assert.Equal(t, time.Hour, d.SkipFor)
}

func TestDecideAuthStale(t *testing.T) {
	// Immediate retry with fresh credentials, but the attempt counts.
	d := Decide(KindAuthStale, true, 1, 0)
	assert.True(t, d.CountsAttempt)
	assert.Zero(t, d.RetryIn)
	assert.Zero(t, d.SkipFor)
	assert.True(t, d.InvalidateAuth)
}

func TestDecidePermanentKinds(t *testing.T) {
	for _, kind := range []Kind{KindValidation, KindDiskFull} {
		d := Decide(kind, false, 1, 0)
		assert.True(t, d.Permanent, "kind %s", kind)
		assert.False(t, d.Retryable())
		assert.Zero(t, d.RetryIn)
		assert.Zero(t, d.SkipFor)
	}
}

func TestDecideNotFoundRetriesSlowly(t *testing.T) {
	d := Decide(KindNotFound, true, 1, 0)
	assert.False(t, d.Permanent)
	assert.True(t, d.CountsAttempt)
	assert.Equal(t, 5*time.Minute, d.RetryIn)

	assert.Equal(t, 20*time.Minute, Decide(KindNotFound, true, 3, 0).RetryIn)
	assert.Equal(t, 6*time.Hour, Decide(KindNotFound, true, 10, 0).RetryIn)
}

func TestDecideDownloadStalled(t *testing.T) {
	d := Decide(KindDownloadStalled, true, 2, 0)
	assert.True(t, d.CountsAttempt)
	assert.Equal(t, 30*time.Second, d.RetryIn)
	assert.True(t, d.ClearDownloadID)
}

func TestDecideSkipKindsDoNotCount(t *testing.T) {
	for _, kind := range []Kind{KindRateLimited, KindServiceUnavailable, KindEncoderUnavailable} {
		d := Decide(kind, true, 4, 0)
		assert.False(t, d.CountsAttempt, "kind %s", kind)
		assert.Positive(t, d.SkipFor, "kind %s", kind)
		assert.Zero(t, d.RetryIn, "kind %s", kind)
	}
	assert.Equal(t, 5*time.Minute, Decide(KindServiceUnavailable, true, 1, 0).SkipFor)
	assert.Equal(t, 5*time.Minute, Decide(KindEncoderUnavailable, true, 1, 0).SkipFor)
}

func TestDecideUnknown(t *testing.T) {
	d := Decide(Kind("mystery"), false, 1, 0)
	assert.Equal(t, KindUnknown, d.Kind)
	assert.Equal(t, time.Minute, d.RetryIn)
	assert.Equal(t, time.Hour, Decide(KindUnknown, false, 12, 0).RetryIn)
}

func TestMessageStripsServiceTags(t *testing.T) {
	inner := errors.New("unrar binary not found")
	assert.Equal(t, "unrar binary not found", Message(Mark(ServiceEncoder, KindValidation, inner)))
	assert.Equal(t, "unrar binary not found", Message(Tag(ServiceDelivery, Tag(ServiceEncoder, inner))))
	assert.Equal(t, "plain", Message(errors.New("plain")))
	assert.Empty(t, Message(nil))
}

func TestServiceErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := Tag(ServiceEncoder, inner)
	assert.True(t, errors.Is(err, inner))
	assert.Nil(t, Tag(ServiceEncoder, nil))
	assert.Contains(t, err.Error(), "encoder")
}

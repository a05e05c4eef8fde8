// SPDX-License-Identifier: MIT

package indexer

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pipearr/pipearr/internal/cache"
	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/metrics"
	"github.com/pipearr/pipearr/internal/netutil"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
	"github.com/pipearr/pipearr/internal/resilience"
)

// Torznab category sets; movies and tv use the conventional roots.
const (
	catMovies = "2000"
	catTV     = "5000"
)

const defaultCacheTTL = 5 * time.Minute

// maxResponseBytes caps how much indexer XML is read.
const maxResponseBytes = 8 << 20

// Torznab talks to a Torznab-compatible indexer API. Responses are
// cached, requests are rate limited per indexer, and a circuit breaker
// turns a down indexer into fast service_unavailable failures.
type Torznab struct {
	name     string
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	cache    cache.Cache
	cacheTTL time.Duration
	breaker  *resilience.CircuitBreaker
	logger   zerolog.Logger
}

// TorznabOption configures the client.
type TorznabOption func(*Torznab)

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(c *http.Client) TorznabOption {
	return func(t *Torznab) { t.http = c }
}

// WithCache sets the response cache and its TTL.
func WithCache(c cache.Cache, ttl time.Duration) TorznabOption {
	return func(t *Torznab) {
		t.cache = c
		if ttl > 0 {
			t.cacheTTL = ttl
		}
	}
}

// WithRateLimit sets requests per second against the indexer.
func WithRateLimit(rps float64, burst int) TorznabOption {
	return func(t *Torznab) {
		if rps > 0 && burst > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithBreaker overrides the default circuit breaker.
func WithBreaker(b *resilience.CircuitBreaker) TorznabOption {
	return func(t *Torznab) { t.breaker = b }
}

// NewTorznab validates the endpoint and builds a client. name labels
// releases and log lines.
func NewTorznab(name, endpoint, apiKey string, opts ...TorznabOption) (*Torznab, error) {
	normalized, err := netutil.ValidateEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("indexer endpoint: %w", err)
	}
	t := &Torznab{
		name:     name,
		endpoint: normalized,
		apiKey:   apiKey,
		http:     netutil.NewHTTPClient(netutil.DefaultTimeout),
		limiter:  rate.NewLimiter(rate.Limit(1), 2),
		cache:    cache.NewNoOp(),
		cacheTTL: defaultCacheTTL,
		breaker:  resilience.NewCircuitBreaker("indexer_"+name, 5, time.Minute),
		logger:   log.WithComponent("indexer").With().Str("indexer", name).Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// SearchMovie queries the movie categories for title and year.
func (t *Torznab) SearchMovie(ctx context.Context, q MovieQuery) ([]model.Release, error) {
	params := url.Values{}
	params.Set("t", "movie")
	params.Set("q", q.Title)
	params.Set("cat", catMovies)
	if q.Year > 0 {
		params.Set("year", strconv.Itoa(q.Year))
	}
	return t.search(ctx, params)
}

// SearchTVSeason queries the tv categories for one season of a show.
func (t *Torznab) SearchTVSeason(ctx context.Context, q SeasonQuery) ([]model.Release, error) {
	params := url.Values{}
	params.Set("t", "tvsearch")
	params.Set("q", q.Title)
	params.Set("cat", catTV)
	if q.Season > 0 {
		params.Set("season", strconv.Itoa(q.Season))
	}
	return t.search(ctx, params)
}

func (t *Torznab) search(ctx context.Context, params url.Values) ([]model.Release, error) {
	key := "torznab:" + t.name + ":" + params.Encode()
	if data, ok := t.cache.Get(key); ok {
		var cached []model.Release
		if err := json.Unmarshal(data, &cached); err == nil {
			metrics.RecordIndexerRequest("cache_hit")
			return cached, nil
		}
		t.cache.Delete(key)
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, retry.Tag(retry.ServiceIndexer, fmt.Errorf("rate limiter: %w", err))
	}

	var (
		releases []model.Release
		softErr  error
	)
	err := t.breaker.Execute(func() error {
		rs, soft, hard := t.fetch(ctx, params)
		releases, softErr = rs, soft
		return hard
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		metrics.RecordIndexerRequest("breaker_open")
		return nil, retry.Mark(retry.ServiceIndexer, retry.KindServiceUnavailable, err)
	}
	if err != nil {
		metrics.RecordIndexerRequest("error")
		return nil, err
	}
	if softErr != nil {
		metrics.RecordIndexerRequest("error")
		return nil, softErr
	}

	metrics.RecordIndexerRequest("success")
	if data, err := json.Marshal(releases); err == nil {
		t.cache.Set(key, data, t.cacheTTL)
	}
	t.logger.Debug().
		Str(log.FieldEvent, "indexer.search").
		Str("query", params.Get("q")).
		Int("results", len(releases)).
		Msg("indexer search done")
	return releases, nil
}

// fetch performs one API call. Hard errors (transport, 5xx) feed the
// circuit breaker; soft errors (auth, throttling) do not, a throttled
// indexer is not a down one.
func (t *Torznab) fetch(ctx context.Context, params url.Values) (releases []model.Release, soft, hard error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("apikey", t.apiKey)

	reqURL := t.endpoint + "/api?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, nil, retry.Tag(retry.ServiceIndexer, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, nil, retry.Tag(retry.ServiceIndexer, fmt.Errorf("indexer request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.RateLimited(retry.ServiceIndexer, retryAfter(resp), fmt.Errorf("indexer returned 429")), nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, retry.Mark(retry.ServiceIndexer, retry.KindAuthStale, fmt.Errorf("indexer returned %d", resp.StatusCode)), nil
	case resp.StatusCode >= 500:
		return nil, nil, retry.Mark(retry.ServiceIndexer, retry.KindServiceUnavailable, fmt.Errorf("indexer returned %d", resp.StatusCode))
	default:
		return nil, retry.Tag(retry.ServiceIndexer, fmt.Errorf("indexer returned unexpected status %d", resp.StatusCode)), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, retry.Tag(retry.ServiceIndexer, fmt.Errorf("read response: %w", err))
	}
	var feed torznabFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, retry.Tag(retry.ServiceIndexer, fmt.Errorf("parse response: %w", err)), nil
	}
	for _, item := range feed.Channel.Items {
		releases = append(releases, t.toRelease(item))
	}
	return releases, nil, nil
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

type torznabFeed struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []torznabItem `xml:"item"`
	} `xml:"channel"`
}

type torznabItem struct {
	Title     string `xml:"title"`
	Link      string `xml:"link"`
	Size      string `xml:"size"`
	PubDate   string `xml:"pubDate"`
	Enclosure struct {
		URL    string `xml:"url,attr"`
		Length string `xml:"length,attr"`
	} `xml:"enclosure"`
	Attrs []torznabAttr `xml:"attr"`
}

type torznabAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func (i torznabItem) attr(name string) string {
	for _, a := range i.Attrs {
		if strings.EqualFold(a.Name, name) {
			return a.Value
		}
	}
	return ""
}

func (t *Torznab) toRelease(item torznabItem) model.Release {
	r := model.Release{
		Title:       item.Title,
		Indexer:     t.name,
		DownloadURL: item.Enclosure.URL,
		InfoHash:    strings.ToLower(item.attr("infohash")),
		MagnetURI:   item.attr("magneturl"),
		Resolution:  model.ParseResolution(item.Title),
		Source:      parseSource(item.Title),
		Codec:       parseCodec(item.Title),
	}
	if r.DownloadURL == "" {
		r.DownloadURL = item.Link
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(item.Size), 10, 64); err == nil && n > 0 {
		r.SizeBytes = n
	} else if n, err := strconv.ParseInt(item.attr("size"), 10, 64); err == nil && n > 0 {
		r.SizeBytes = n
	} else {
		r.SizeBytes = model.ParseSize(item.Size)
	}
	if n, err := strconv.Atoi(item.attr("seeders")); err == nil {
		r.Seeders = n
	}
	if n, err := strconv.Atoi(item.attr("peers")); err == nil {
		r.Leechers = n
	} else if n, err := strconv.Atoi(item.attr("leechers")); err == nil {
		r.Leechers = n
	}
	if at, ok := parsePubDate(item.PubDate); ok {
		r.PublishedAt = at
	}
	return r
}

func parsePubDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if at, err := time.Parse(layout, v); err == nil {
			return at.UTC(), true
		}
	}
	return time.Time{}, false
}

var sourceMarkers = []struct {
	token  string
	source string
}{
	{"remux", "remux"},
	{"bluray", "bluray"},
	{"blu-ray", "bluray"},
	{"brrip", "bluray"},
	{"bdrip", "bluray"},
	{"web-dl", "webdl"},
	{"webdl", "webdl"},
	{"webrip", "webrip"},
	{"hdtv", "hdtv"},
	{"dvdrip", "dvd"},
}

func parseSource(title string) string {
	lower := strings.ToLower(title)
	for _, m := range sourceMarkers {
		if strings.Contains(lower, m.token) {
			return m.source
		}
	}
	return ""
}

var codecMarkers = []struct {
	token string
	codec string
}{
	{"x265", "hevc"},
	{"h265", "hevc"},
	{"h.265", "hevc"},
	{"hevc", "hevc"},
	{"av1", "av1"},
	{"x264", "h264"},
	{"h264", "h264"},
	{"h.264", "h264"},
	{"avc", "h264"},
}

func parseCodec(title string) string {
	lower := strings.ToLower(title)
	for _, m := range codecMarkers {
		if strings.Contains(lower, m.token) {
			return m.codec
		}
	}
	return ""
}

package bvg

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultBaseURL is the public BVG endpoint.
const DefaultBaseURL = "https://v6.bvg.transport.rest"

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxRetries   = 3
	defaultRetryInitial = 500 * time.Millisecond
	defaultRetryMax     = 5 * time.Second

	// errBodyLimit bounds how much of an error response is kept for the
	// error message.
	errBodyLimit = 4096
)

// ClientConfig carries the externally supplied client settings.
type ClientConfig struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	MaxRetries        uint64
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// Client talks to the BVG REST API. It retries transient and rate-limit
// failures with exponential backoff and reuses cached responses via
// ETag/If-None-Match revalidation. Safe for concurrent use.
type Client struct {
	baseURL      string
	userAgent    string
	hc           *http.Client
	cache        *responseCache
	maxRetries   uint64
	retryInitial time.Duration
	retryMax     time.Duration
	log          *zap.Logger

	now func() time.Time
}

// NewClient builds a Client. Zero config fields fall back to defaults;
// a nil logger disables client logging.
func NewClient(cfg ClientConfig, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInitialDelay == 0 {
		cfg.RetryInitialDelay = defaultRetryInitial
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = defaultRetryMax
	}
	if log == nil {
		log = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		userAgent:    cfg.UserAgent,
		hc:           &http.Client{Timeout: cfg.Timeout, Transport: transport},
		cache:        newResponseCache(),
		maxRetries:   cfg.MaxRetries,
		retryInitial: cfg.RetryInitialDelay,
		retryMax:     cfg.RetryMaxDelay,
		log:          log,
		now:          time.Now,
	}
}

// get fetches a URL with retries and response caching. An unexpired cached
// body is returned without network I/O; an expired one is revalidated with
// If-None-Match and reused on HTTP 304.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	cached, haveCached := c.cache.get(u)
	if haveCached && cached.fresh(c.now()) {
		c.log.Debug("serving unexpired cached response", zap.String("url", u))
		return cached.body, nil
	}

	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, backoff.Permanent(&Error{Kind: Permanent, URL: u, Err: err})
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		if haveCached {
			req.Header.Set("If-None-Match", cached.etag)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, &Error{Kind: Transient, URL: u, Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotModified && haveCached:
			c.log.Debug("cached response revalidated", zap.String("url", u))
			return cached.body, nil

		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, &Error{Kind: Transient, URL: u, Err: err}
			}
			c.store(u, resp, body)
			return body, nil

		default:
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
			err := errors.Errorf("HTTP %d: %s", resp.StatusCode, string(snippet))
			kind := kindForStatus(resp.StatusCode)
			if kind == Permanent {
				return nil, backoff.Permanent(&Error{Kind: Permanent, URL: u, Err: err})
			}
			if kind == RateLimited {
				c.log.Warn("provider rate limit reached", zap.String("url", u))
			}
			return nil, &Error{Kind: kind, URL: u, Err: err}
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.MaxInterval = c.retryMax
	bo.MaxElapsedTime = 0

	body, err := backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
	if err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		// Context cancellation surfaces as-is from the backoff loop.
		return nil, &Error{Kind: Transient, URL: u, Err: err}
	}
	return body, nil
}

// store caches a successful response when the provider supplied an ETag.
// Freshness comes from Cache-Control max-age; without it the entry is kept
// for revalidation only.
func (c *Client) store(u string, resp *http.Response, body []byte) {
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return
	}

	entry := cachedResponse{etag: etag, body: body}
	if maxAge, ok := parseMaxAge(resp.Header.Get("Cache-Control")); ok {
		entry.freshUntil = c.now().Add(maxAge)
	}
	c.cache.put(u, entry)
}

// Arrivals fetches the arrivals board of a stop, starting at when and
// covering the given duration.
func (c *Client) Arrivals(ctx context.Context, stopID string, when time.Time, duration time.Duration) (*BoardResponse, error) {
	return c.board(ctx, "/stops/"+url.PathEscape(stopID)+"/arrivals", when, duration)
}

// Departures fetches the departures board of a stop.
func (c *Client) Departures(ctx context.Context, stopID string, when time.Time, duration time.Duration) (*BoardResponse, error) {
	return c.board(ctx, "/stops/"+url.PathEscape(stopID)+"/departures", when, duration)
}

func (c *Client) board(ctx context.Context, path string, when time.Time, duration time.Duration) (*BoardResponse, error) {
	query := url.Values{}
	query.Set("when", when.Format(time.RFC3339))
	query.Set("duration", strconv.Itoa(int(duration.Minutes())))

	body, err := c.get(ctx, path, query)
	if err != nil {
		return nil, err
	}

	var board BoardResponse
	if err := json.Unmarshal(body, &board); err != nil {
		return nil, &Error{Kind: Permanent, URL: c.baseURL + path, Err: errors.Wrap(err, "decoding board response")}
	}
	return &board, nil
}

// Stops returns matching stops, or the full stop directory when query is
// empty. maxResults caps the response size (the API default is only 5).
func (c *Client) Stops(ctx context.Context, query string, fuzzy bool, maxResults int) ([]StopPayload, error) {
	params := url.Values{}
	params.Set("results", strconv.Itoa(maxResults))
	if query != "" {
		params.Set("query", query)
		params.Set("completion", "true")
		params.Set("fuzzy", strconv.FormatBool(fuzzy))
	}

	body, err := c.get(ctx, "/stops", params)
	if err != nil {
		return nil, err
	}

	var stops []StopPayload
	if err := json.Unmarshal(body, &stops); err != nil {
		return nil, &Error{Kind: Permanent, URL: c.baseURL + "/stops", Err: errors.Wrap(err, "decoding stops response")}
	}
	return stops, nil
}

// Radar finds all vehicles currently moving inside the bounding box along
// with their movements.
func (c *Client) Radar(ctx context.Context, box BoundingBox, maxVehicles int) (*RadarResponse, error) {
	params := url.Values{}
	params.Set("north", strconv.FormatFloat(box.North, 'f', -1, 64))
	params.Set("west", strconv.FormatFloat(box.West, 'f', -1, 64))
	params.Set("south", strconv.FormatFloat(box.South, 'f', -1, 64))
	params.Set("east", strconv.FormatFloat(box.East, 'f', -1, 64))
	params.Set("results", strconv.Itoa(maxVehicles))
	params.Set("duration", "30")
	params.Set("frames", "1")
	params.Set("polylines", "false")

	body, err := c.get(ctx, "/radar", params)
	if err != nil {
		return nil, err
	}

	var radar RadarResponse
	if err := json.Unmarshal(body, &radar); err != nil {
		return nil, &Error{Kind: Permanent, URL: c.baseURL + "/radar", Err: errors.Wrap(err, "decoding radar response")}
	}
	return &radar, nil
}

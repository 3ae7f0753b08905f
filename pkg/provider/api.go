package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/orchestr8/orchestr8/pkg/logger"
	"github.com/orchestr8/orchestr8/pkg/parser"
	"github.com/orchestr8/orchestr8/pkg/telemetry"
	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

const apiRetryAttempts = 3

// API serves resources from a curated catalog service over HTTP. Retries
// are the provider's own responsibility; the registry only supplies the
// per-call deadline. The configured rate limit is enforced client-side
// before any call is issued.
type API struct {
	statsRecorder
	name    string
	baseURL string
	token   string
	client  *http.Client
	bucket  *rateBucket
}

// APIOption configures an API provider.
type APIOption func(*API)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) APIOption {
	return func(a *API) {
		a.client = client
	}
}

// WithAuthToken sets the bearer token sent with every request.
func WithAuthToken(token string) APIOption {
	return func(a *API) {
		a.token = token
	}
}

// WithRateLimit configures the client-side token bucket.
func WithRateLimit(cfg resources.RateLimitConfig) APIOption {
	return func(a *API) {
		a.bucket.configure(cfg)
	}
}

// NewAPI creates a catalog API provider for the given base URL.
func NewAPI(name, baseURL string, opts ...APIOption) *API {
	a := &API{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		bucket:  newRateBucket(resources.RateLimitConfig{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) Name() string {
	return a.name
}

func (a *API) Type() resources.ProviderType {
	return resources.ProviderTypeAPI
}

// UpdateRateLimits swaps the token bucket; the new limits apply to the next
// call.
func (a *API) UpdateRateLimits(cfg resources.RateLimitConfig) {
	a.bucket.configure(cfg)
}

// ListIndex fetches the catalog index from GET /v1/index.
func (a *API) ListIndex(ctx context.Context) (resources.Index, error) {
	body, err := a.get(ctx, a.baseURL+"/v1/index")
	if err != nil {
		return nil, err
	}

	var idx resources.Index
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, &resources.ProviderUnavailableError{Provider: a.name, Reason: "malformed index payload: " + err.Error()}
	}
	return idx, nil
}

// FetchContent resolves a static URI via GET /v1/resources/{category}/{id}.
func (a *API) FetchContent(ctx context.Context, uri string) (string, error) {
	parsed, err := resources.ParseURI(uri)
	if err != nil {
		return "", err
	}
	if parsed.Match {
		return "", &resources.InvalidURIError{URI: uri, Reason: "content can only be fetched for static URIs"}
	}

	body, err := a.get(ctx, fmt.Sprintf("%s/v1/resources/%s/%s", a.baseURL, parsed.Category, parsed.ID))
	if err != nil {
		var notFound *resources.NotFoundError
		if errors.As(err, &notFound) {
			return "", &resources.NotFoundError{URI: uri}
		}
		return "", err
	}

	// Strip any front matter so cached content has the same shape
	// regardless of provider type.
	frag, _ := parser.Parse("", body)
	return frag.Body, nil
}

// HealthCheck probes GET /v1/health.
func (a *API) HealthCheck(ctx context.Context) resources.ProviderHealth {
	start := time.Now()
	health := resources.ProviderHealth{Status: resources.StatusHealthy, LastCheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/health", nil)
	if err != nil {
		health.Status = resources.StatusUnavailable
		return health
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	health.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		health.Status = resources.StatusUnavailable
		return health
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		health.Status = resources.StatusUnavailable
	}
	return health
}

// Stats returns a snapshot of the accumulated counters.
func (a *API) Stats() resources.ProviderStats {
	return a.snapshot()
}

// get issues one rate-limited, retried GET and returns the response body.
func (a *API) get(ctx context.Context, url string) ([]byte, error) {
	now := time.Now()
	if !a.bucket.allow(now) {
		return nil, &resources.RateLimitExceededError{Provider: a.name, ResetAt: a.bucket.resetAt(now)}
	}

	start := time.Now()
	defer func() { a.recordRequest(time.Since(start)) }()

	var body []byte
	err := telemetry.WithSpan(ctx, "provider.api.get", func(ctx context.Context) error {
		return retry.Do(
			func() error {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
				if err != nil {
					return retry.Unrecoverable(err)
				}
				a.authorize(req)

				resp, err := a.client.Do(req)
				if err != nil {
					return err
				}
				defer resp.Body.Close()

				a.captureRateHeaders(resp)
				telemetry.SetAttributes(ctx, attribute.Int("http.status_code", resp.StatusCode))

				switch {
				case resp.StatusCode == http.StatusNotFound:
					return retry.Unrecoverable(&resources.NotFoundError{URI: url})
				case resp.StatusCode == http.StatusTooManyRequests:
					return retry.Unrecoverable(&resources.RateLimitExceededError{Provider: a.name, ResetAt: a.bucket.resetAt(time.Now())})
				case resp.StatusCode >= 500:
					return errors.Errorf("catalog API returned status %d", resp.StatusCode)
				case resp.StatusCode != http.StatusOK:
					return retry.Unrecoverable(errors.Errorf("catalog API returned status %d", resp.StatusCode))
				}

				body, err = io.ReadAll(resp.Body)
				return err
			},
			retry.Attempts(apiRetryAttempts),
			retry.Delay(100*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				logger.G(ctx).WithError(err).WithField("provider", a.name).WithField("attempt", n+1).
					Debug("retrying catalog API request")
			}),
		)
	},
		attribute.String("provider", a.name),
		attribute.String("http.url", url),
	)
	if err != nil {
		return nil, a.classify(ctx, err)
	}
	return body, nil
}

func (a *API) authorize(req *http.Request) {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
}

// captureRateHeaders records the server-reported rate limit state. The
// authoritative server value wins over the local bucket estimate; the
// bucket is only consulted when the server stays silent.
func (a *API) captureRateHeaders(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		now := time.Now()
		if n := a.bucket.remaining(now); n >= 0 {
			a.recordRateLimit(n, a.bucket.resetAt(now))
		}
		return
	}

	n, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}
	var resetAt time.Time
	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			resetAt = time.Unix(unix, 0)
		}
	}
	a.recordRateLimit(n, resetAt)
}

// classify converts transport-level failures into the provider error
// taxonomy. Typed errors pass through untouched.
func (a *API) classify(ctx context.Context, err error) error {
	var notFound *resources.NotFoundError
	var rateLimited *resources.RateLimitExceededError
	if errors.As(err, &notFound) || errors.As(err, &rateLimited) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &resources.ProviderTimeoutError{Provider: a.name}
	}
	return &resources.ProviderUnavailableError{Provider: a.name, Reason: err.Error()}
}

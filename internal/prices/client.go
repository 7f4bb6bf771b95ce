package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	PublicEndpoint = "https://api.coingecko.com/api/v3/simple/price"
	ProEndpoint    = "https://pro-api.coingecko.com/api/v3/simple/price"

	apiKeyHeader = "x-cg-pro-api-key"
)

var fetchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "price_fetch_total",
		Help: "Upstream price requests by endpoint and result",
	},
	[]string{"endpoint", "result"},
)

func init() {
	prometheus.MustRegister(fetchTotal)
}

// UpstreamError reports a failed request against the price API.
// StatusCode is zero for transport failures.
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("price upstream %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("price upstream %s: %v", e.Endpoint, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// fallbackStatuses are the responses to a keyed request that justify one
// retry against the public endpoint.
var fallbackStatuses = map[int]bool{
	http.StatusBadRequest:      true,
	http.StatusUnauthorized:    true,
	http.StatusForbidden:       true,
	http.StatusTooManyRequests: true,
}

func shouldFallback(err error) bool {
	var upErr *UpstreamError
	return errors.As(err, &upErr) && fallbackStatuses[upErr.StatusCode]
}

// Client fetches simple USD prices from CoinGecko.
type Client struct {
	httpClient     *http.Client
	apiKey         string
	publicEndpoint string
	proEndpoint    string
	now            func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEndpoints overrides the public and privileged endpoints.
func WithEndpoints(public, pro string) Option {
	return func(c *Client) {
		c.publicEndpoint = public
		c.proEndpoint = pro
	}
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient builds a client. An empty apiKey uses the public endpoint only.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		apiKey:         strings.TrimSpace(apiKey),
		publicEndpoint: PublicEndpoint,
		proEndpoint:    ProEndpoint,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type quote struct {
	USD       *decimal.Decimal `json:"usd"`
	Change24h *decimal.Decimal `json:"usd_24h_change"`
}

// Fetch returns one snapshot for coinIDs. When an API key is configured the
// privileged endpoint is tried first; auth and rate limit failures there are
// retried once against the public endpoint.
func (c *Client) Fetch(ctx context.Context, coinIDs []string) (*models.PriceSnapshot, error) {
	tracer := otel.Tracer(tracing.TracerName)
	ctx, span := tracer.Start(ctx, "prices.Fetch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("coins", len(coinIDs)))

	if len(coinIDs) == 0 {
		return &models.PriceSnapshot{Items: []models.PriceEntry{}, Timestamp: c.now().UTC()}, nil
	}

	if c.apiKey == "" {
		snap, err := c.fetchFrom(ctx, c.publicEndpoint, "", coinIDs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "public fetch failed")
		}
		return snap, err
	}

	snap, err := c.fetchFrom(ctx, c.proEndpoint, c.apiKey, coinIDs)
	if err == nil {
		return snap, nil
	}
	if !shouldFallback(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pro fetch failed")
		return nil, err
	}

	logger.Log.Warn("Keyed price request rejected, retrying public endpoint", zap.Error(err))
	span.AddEvent("fallback to public endpoint")

	snap, err = c.fetchFrom(ctx, c.publicEndpoint, "", coinIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "public fallback failed")
		return nil, err
	}
	return snap, nil
}

func (c *Client) fetchFrom(ctx context.Context, endpoint, apiKey string, coinIDs []string) (*models.PriceSnapshot, error) {
	label := "public"
	if apiKey != "" {
		label = "pro"
	}

	params := url.Values{}
	params.Set("ids", strings.Join(coinIDs, ","))
	params.Set("vs_currencies", "usd")
	params.Set("include_24hr_change", "true")
	params.Set("precision", "4")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &UpstreamError{Endpoint: label, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		fetchTotal.WithLabelValues(label, "error").Inc()
		return nil, &UpstreamError{Endpoint: label, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fetchTotal.WithLabelValues(label, "status_"+strconv.Itoa(resp.StatusCode)).Inc()
		return nil, &UpstreamError{
			Endpoint:   label,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	var body map[string]quote
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fetchTotal.WithLabelValues(label, "decode_error").Inc()
		return nil, &UpstreamError{Endpoint: label, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}

	ts := c.now().UTC()
	items := make([]models.PriceEntry, 0, len(body))
	for coinID, q := range body {
		if q.USD == nil {
			logger.Log.Debug("Skipping coin without usd price", zap.String("coin_id", coinID))
			continue
		}
		items = append(items, models.PriceEntry{
			CoinID:      coinID,
			PriceUSD:    *q.USD,
			Change24h:   q.Change24h,
			LastUpdated: ts,
		})
	}

	fetchTotal.WithLabelValues(label, "ok").Inc()
	logger.Log.Debug("Fetched prices from CoinGecko",
		zap.String("endpoint", label),
		zap.Int("count", len(items)),
	)
	return &models.PriceSnapshot{Items: items, Timestamp: ts}, nil
}

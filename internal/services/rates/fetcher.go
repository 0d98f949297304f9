package rates

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cryp2real/pixledger/pkg/logger"
)

// Fetcher retrieves the current fiat exchange rate from an external source.
type Fetcher interface {
	Fetch(ctx context.Context) (float64, string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (float64, string, error)

func (f FetcherFunc) Fetch(ctx context.Context) (float64, string, error) {
	if f == nil {
		return 0, "", fmt.Errorf("no fetcher configured")
	}
	return f(ctx)
}

// HTTPFetcher pulls a rate out of a JSON HTTP endpoint using a gjson path.
type HTTPFetcher struct {
	client   *http.Client
	endpoint string
	jsonPath string
	log      *logger.Logger
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher constructs a fetcher for the given endpoint and JSON path.
func NewHTTPFetcher(client *http.Client, endpoint, jsonPath string, log *logger.Logger) (*HTTPFetcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("rate endpoint required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parse rate endpoint: %w", err)
	}
	if jsonPath == "" {
		return nil, fmt.Errorf("rate JSON path required")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("rates-fetcher")
	}
	return &HTTPFetcher{
		client:   client,
		endpoint: endpoint,
		jsonPath: jsonPath,
		log:      log,
	}, nil
}

// Fetch retrieves the rate. A missing field or non-positive value is a fetch
// failure, never a zero rate.
func (f *HTTPFetcher) Fetch(ctx context.Context) (float64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("rate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("rate endpoint status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", fmt.Errorf("read rate response: %w", err)
	}

	value := gjson.GetBytes(body, f.jsonPath)
	if !value.Exists() {
		return 0, "", fmt.Errorf("rate field %q missing from response", f.jsonPath)
	}
	rate := value.Float()
	if rate <= 0 {
		return 0, "", fmt.Errorf("rate %v is not positive", rate)
	}
	return rate, f.endpoint, nil
}

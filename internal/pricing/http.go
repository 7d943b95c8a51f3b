package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const quotePathPrefix = "/api/v1/quote/"

// HTTPSourceOptions parameterise the HTTP quote source.
type HTTPSourceOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTPSource fetches quotes from an upstream market-data HTTP API.
type HTTPSource struct {
	opts    HTTPSourceOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPSource constructs an HTTP-backed price source.
func NewHTTPSource(opts HTTPSourceOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPSource{
		opts:    opts,
		logger:  logger.With().Str("component", "http_price_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// GetPrice retrieves the latest quote for a symbol.
func (s *HTTPSource) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.baseURL == "" {
		return decimal.Decimal{}, fmt.Errorf("pricing: base_url not configured")
	}

	endpoint := s.baseURL + quotePathPrefix + symbol
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "alertscan/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var quote quoteResponse
	if err := json.Unmarshal(payloadBytes, &quote); err != nil {
		return decimal.Decimal{}, err
	}

	price, err := decimal.NewFromString(quote.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse quote price: %w", err)
	}
	if price.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("quote price must be positive, got %s", price)
	}

	return price, nil
}

type quoteResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("quote api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("quote api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("quote api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("quote api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("quote api error (%d)", status)
}

var _ PriceSource = (*HTTPSource)(nil)

package pricecache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// HTTPSource fetches spot prices from a Coingecko-style simple-price
// endpoint: GET {baseURL}?ids={asset}&vs_currencies={currency} returning
// {"<asset>": {"<currency>": <price>}}.
type HTTPSource struct {
	baseURL  string
	currency string
	client   *http.Client
}

func NewHTTPSource(baseURL, currency string) *HTTPSource {
	if currency == "" {
		currency = "usd"
	}
	return &HTTPSource{
		baseURL:  baseURL,
		currency: currency,
		client:   &http.Client{Timeout: fetchTimeout},
	}
}

// Fetch implements PriceSource.
func (s *HTTPSource) Fetch(ctx context.Context, assetID string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", assetID)
	q.Set("vs_currencies", s.currency)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price endpoint returned %d for %s", resp.StatusCode, assetID)
	}

	var body map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}

	raw, ok := body[assetID][s.currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("no %s price for %s in response", s.currency, assetID)
	}

	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q for %s: %w", raw.String(), assetID, err)
	}

	return price, nil
}

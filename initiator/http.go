// Package initiator talks to the external payment-initiating component.
package initiator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/paywatch/types"
)

// HTTPInitiator arms the external initiator over HTTP. The initiator
// answers {success, message, errorType?}; transport failures surface as
// errors and are treated as a failed payment by the caller.
type HTTPInitiator struct {
	url    string
	client *http.Client
}

func NewHTTPInitiator(url string, timeout time.Duration) *HTTPInitiator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInitiator{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Execute implements paywatch.Initiator.
func (i *HTTPInitiator) Execute(ctx context.Context, amount decimal.Decimal) (*types.InitiatorResult, error) {
	payload, err := json.Marshal(map[string]string{"amount": amount.String()})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("initiator request failed: %w", err)
	}
	defer resp.Body.Close()

	var result types.InitiatorResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode initiator response: %w", err)
	}

	return &result, nil
}

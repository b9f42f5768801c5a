package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flexlev-keeper/internal/precise"

	sdkmath "cosmossdk.io/math"
	"go.uber.org/zap"
)

// RESTClient reads the price table from GET {baseURL}/prices, which answers
// with an object of asset to decimal string.
type RESTClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewRESTClient(baseURL string, timeout time.Duration, log *zap.Logger) *RESTClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *RESTClient) Prices(ctx context.Context) (map[string]sdkmath.LegacyDec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/prices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	out := make(map[string]sdkmath.LegacyDec, len(raw))
	for asset, value := range raw {
		p, err := parsePrice(value)
		if err != nil {
			c.log.Warn("skipping unparsable price", zap.String("asset", asset), zap.Error(err))
			continue
		}
		out[asset] = p
	}
	return out, nil
}

// parsePrice accepts both "1000.5" and 1000.5.
func parsePrice(raw json.RawMessage) (sdkmath.LegacyDec, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return precise.ParseDec(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return sdkmath.LegacyDec{}, err
	}
	return precise.ParseDec(n.String())
}

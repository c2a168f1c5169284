package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const ToolMarketData = "market_data"

// MarketDataConfig points the tool at an akshare-compatible quote service.
type MarketDataConfig struct {
	BaseURL string        `envconfig:"BASE_URL" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// MarketDataClient fetches realtime quotes, history bars, and company info
// over HTTP.
type MarketDataClient struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

var compactDatePattern = regexp.MustCompile(`^\d{8}$`)

func NewMarketDataClient(cfg MarketDataConfig) (*MarketDataClient, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("market data base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &MarketDataClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}, nil
}

// Definition exposes the client as a registered tool.
func (c *MarketDataClient) Definition() Definition {
	return Definition{
		Name:        ToolMarketData,
		Description: "Fetch stock market data. data_type realtime returns current quotes, history returns daily bars between start_date and end_date (YYYYMMDD), info returns company fundamentals. Symbols are comma separated with exchange prefixes (sh600519, sz000001, hk00700); bare codes are normalized.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"symbols": map[string]any{
					"type":        "string",
					"description": "Comma separated stock codes",
				},
				"data_type": map[string]any{
					"type": "string",
					"enum": []any{"realtime", "history", "info"},
				},
				"start_date": map[string]any{
					"type":    "string",
					"pattern": `^\d{8}$`,
				},
				"end_date": map[string]any{
					"type":    "string",
					"pattern": `^\d{8}$`,
				},
			},
			"required":             []any{"symbols", "data_type"},
			"additionalProperties": false,
		},
		Handler: c.handle,
	}
}

func (c *MarketDataClient) handle(ctx context.Context, args map[string]any) (any, error) {
	rawSymbols, _ := args["symbols"].(string)
	dataType, _ := args["data_type"].(string)

	symbols, err := normalizeSymbols(rawSymbols)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("symbols", strings.Join(symbols, ","))

	var path string
	switch dataType {
	case "realtime":
		path = "/quotes/realtime"
	case "info":
		path = "/stocks/info"
	case "history":
		path = "/quotes/history"
		startDate, _ := args["start_date"].(string)
		endDate, _ := args["end_date"].(string)
		if startDate == "" {
			return nil, errors.New("history requires start_date")
		}
		if endDate == "" {
			endDate = c.now().Format("20060102")
		}
		if !compactDatePattern.MatchString(startDate) || !compactDatePattern.MatchString(endDate) {
			return nil, errors.New("dates must be YYYYMMDD")
		}
		if startDate > endDate {
			return nil, fmt.Errorf("start_date %s is after end_date %s", startDate, endDate)
		}
		query.Set("start_date", startDate)
		query.Set("end_date", endDate)
	default:
		return nil, fmt.Errorf("unsupported data_type %q", dataType)
	}

	return c.get(ctx, path, query)
}

func (c *MarketDataClient) get(ctx context.Context, path string, query url.Values) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("market data request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market data service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return payload, nil
}

func normalizeSymbols(raw string) ([]string, error) {
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, part := range parts {
		symbol, err := normalizeSymbol(part)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, symbol)
	}
	if len(symbols) == 0 {
		return nil, errors.New("symbols is empty")
	}
	return symbols, nil
}

// normalizeSymbol maps bare stock codes onto exchange-prefixed ones: 6-digit
// codes starting with 6 trade in Shanghai, other 6-digit codes in Shenzhen,
// and 5-digit codes in Hong Kong.
func normalizeSymbol(raw string) (string, error) {
	symbol := strings.ToLower(strings.TrimSpace(raw))
	if symbol == "" {
		return "", errors.New("empty symbol")
	}

	for _, prefix := range []string{"sh", "sz", "hk"} {
		if strings.HasPrefix(symbol, prefix) {
			code := symbol[len(prefix):]
			if !isDigits(code) {
				return "", fmt.Errorf("invalid symbol %q", raw)
			}
			return symbol, nil
		}
	}

	if !isDigits(symbol) {
		return "", fmt.Errorf("invalid symbol %q", raw)
	}
	switch {
	case len(symbol) == 5:
		return "hk" + symbol, nil
	case len(symbol) == 6 && symbol[0] == '6':
		return "sh" + symbol, nil
	case len(symbol) == 6:
		return "sz" + symbol, nil
	default:
		return "", fmt.Errorf("invalid symbol %q", raw)
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

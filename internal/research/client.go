// Package research calls the market research service that produces trade
// signals for a user.
package research

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// requestNamespace seeds derived request ids
var requestNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:autotrade:research-request"))

// Client talks to the research service over HTTP
type Client struct {
	http   *resty.Client
	path   string
	logger *logging.Logger
	now    func() time.Time
}

type cycleRequest struct {
	UserID string `json:"userId"`
}

// cycleResponse is the research service's answer. Confidence may be omitted,
// in which case it is derived from probability.
type cycleResponse struct {
	Symbol      string   `json:"symbol"`
	Signal      string   `json:"signal"`
	Confidence  *float64 `json:"confidence"`
	Probability *float64 `json:"probability"`
	EntryPrice  float64  `json:"entryPrice"`
	RequestID   string   `json:"requestId"`
	Timestamp   string   `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewClient creates a research client
func NewClient(cfg config.ResearchConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.APIKey != "" {
		c.SetHeader("X-API-Key", cfg.APIKey)
	}

	path := cfg.CyclePath
	if path == "" {
		path = "/research/cycle"
	}
	return &Client{
		http:   c,
		path:   path,
		logger: logger.WithComponent("research"),
		now:    time.Now,
	}
}

// RunCycle asks the research service for the user's next signal. A nil signal
// with a nil error means there is nothing to trade.
func (c *Client) RunCycle(ctx context.Context, userID string) (*autotrade.TradeSignal, error) {
	var (
		result cycleResponse
		apiErr errorResponse
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(cycleRequest{UserID: userID}).
		SetResult(&result).
		SetError(&apiErr).
		Post(c.path)
	if err != nil {
		return nil, fmt.Errorf("research request failed: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNoContent:
		return nil, nil
	case resp.IsError():
		msg := apiErr.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return nil, fmt.Errorf("research service returned %d: %s", resp.StatusCode(), msg)
	}

	sig, err := toSignal(userID, result, c.now())
	if err != nil {
		return nil, err
	}
	if sig == nil {
		c.logger.Debug("research returned no tradable signal", "user_id", userID, "signal", result.Signal)
		return nil, nil
	}
	c.logger.Debug("research signal received",
		"user_id", userID,
		"symbol", sig.Symbol,
		"direction", string(sig.Direction),
		"confidence", sig.Confidence,
		"request_id", sig.RequestID,
	)
	return sig, nil
}

// Health checks the research service
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("research service unhealthy: %d", resp.StatusCode())
	}
	return nil
}

func toSignal(userID string, r cycleResponse, now time.Time) (*autotrade.TradeSignal, error) {
	dir := direction(r.Signal)
	if dir == "" || dir == autotrade.DirectionHold {
		return nil, nil
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("research signal %s has no symbol", dir)
	}

	var confidence float64
	switch {
	case r.Confidence != nil:
		confidence = *r.Confidence
	case r.Probability != nil:
		confidence = float64(int(*r.Probability * 100))
	}

	generated, stamped := parseTimestamp(r.Timestamp)
	if !stamped {
		generated = now.UTC()
	}

	requestID := strings.TrimSpace(r.RequestID)
	if requestID == "" {
		// without either the id would change on every retry
		if !stamped {
			return nil, fmt.Errorf("research signal %s %s has neither requestId nor a valid timestamp", dir, symbol)
		}
		requestID = DeriveRequestID(userID, symbol, dir, generated)
	}

	return &autotrade.TradeSignal{
		Symbol:      symbol,
		Direction:   dir,
		EntryPrice:  r.EntryPrice,
		Confidence:  confidence,
		RequestID:   requestID,
		GeneratedAt: generated,
		Source:      "research",
	}, nil
}

// timestampLayouts accepts RFC 3339 and the zone-less ISO form, read as UTC
var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func direction(s string) autotrade.Direction {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return autotrade.DirectionBuy
	case "SELL", "SHORT":
		return autotrade.DirectionSell
	case "HOLD":
		return autotrade.DirectionHold
	}
	return ""
}

// DeriveRequestID returns a stable id for a signal that arrived without one,
// so a retried research response maps to the same execution.
func DeriveRequestID(userID, symbol string, dir autotrade.Direction, generated time.Time) string {
	key := strings.Join([]string{userID, symbol, string(dir), generated.UTC().Format(time.RFC3339Nano)}, "|")
	return uuid.NewSHA1(requestNamespace, []byte(key)).String()
}

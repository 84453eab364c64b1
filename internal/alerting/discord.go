package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rawblock/cabal-engine/internal/enrich"
	"github.com/rawblock/cabal-engine/pkg/models"
)

// retryDelays is the backoff schedule for transient send failures.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// DiscordClient delivers alerts to a Discord channel via webhook.
type DiscordClient struct {
	webhookURL string
	httpClient *http.Client
	limiter    *minuteLimiter
	sem        chan struct{}

	sentCount  atomic.Int64
	errorCount atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error
}

func NewDiscordClient(webhookURL string, ratePerMinute int) *DiscordClient {
	return &DiscordClient{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    newMinuteLimiter(ratePerMinute),
		sem:        make(chan struct{}, 5),
		sleep:      sleepCtx,
	}
}

// IsConfigured reports whether a webhook URL is set.
func (c *DiscordClient) IsConfigured() bool {
	return c.webhookURL != ""
}

// Send delivers one alert. Network errors and 5xx responses retry with
// exponential backoff; 429 honors the server's retry_after hint; any
// other 4xx is terminal.
func (c *DiscordClient) Send(ctx context.Context, alert *models.Alert, score *enrich.CabalScore) bool {
	if !c.IsConfigured() {
		return false
	}
	if !c.limiter.Allow() {
		log.Printf("[Discord] Rate limit reached, skipping alert for %s", truncate(alert.Mint, 8))
		return false
	}

	payload, err := json.Marshal(FormatDiscordEmbed(alert, score))
	if err != nil {
		c.errorCount.Add(1)
		log.Printf("[Discord] Failed to marshal alert: %v", err)
		return false
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return false
	}

	for attempt := 0; attempt < len(retryDelays); attempt++ {
		status, body, err := c.post(ctx, payload)
		if err != nil {
			if attempt < len(retryDelays)-1 {
				log.Printf("[Discord] Network error, retrying in %s: %v", retryDelays[attempt], err)
				if c.sleep(ctx, retryDelays[attempt]) != nil {
					return false
				}
				continue
			}
			c.errorCount.Add(1)
			log.Printf("[Discord] Send failed after %d attempts: %v", len(retryDelays), err)
			return false
		}

		switch {
		case status == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(body)
			log.Printf("[Discord] Rate limited by server, retry after %s", retryAfter)
			if c.sleep(ctx, retryAfter) != nil {
				return false
			}
			continue
		case status >= 500:
			if attempt < len(retryDelays)-1 {
				log.Printf("[Discord] Server error %d, retrying in %s", status, retryDelays[attempt])
				if c.sleep(ctx, retryDelays[attempt]) != nil {
					return false
				}
				continue
			}
			c.errorCount.Add(1)
			log.Printf("[Discord] Server error after %d attempts: %d", len(retryDelays), status)
			return false
		case status >= 400:
			c.errorCount.Add(1)
			log.Printf("[Discord] Webhook rejected alert: %d", status)
			return false
		}

		c.sentCount.Add(1)
		log.Printf("[Discord] Alert sent for %s", truncate(alert.Mint, 8))
		return true
	}

	c.errorCount.Add(1)
	return false
}

// SendTest posts a plain-content message to verify the webhook.
func (c *DiscordClient) SendTest(ctx context.Context) bool {
	if !c.IsConfigured() {
		return false
	}
	payload, _ := json.Marshal(DiscordPayload{Content: "\U0001F916 Cabal engine connected and monitoring"})
	status, _, err := c.post(ctx, payload)
	if err != nil || status >= 400 {
		log.Printf("[Discord] Test message failed: status=%d err=%v", status, err)
		return false
	}
	log.Printf("[Discord] Test message sent")
	return true
}

func (c *DiscordClient) post(ctx context.Context, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	return resp.StatusCode, body.Bytes(), nil
}

// DiscordStats returns delivery counters for the health surface.
func (c *DiscordClient) DiscordStats() map[string]any {
	sent := c.sentCount.Load()
	errs := c.errorCount.Load()
	var errRate float64
	if sent+errs > 0 {
		errRate = float64(errs) / float64(sent+errs) * 100
	}
	return map[string]any{
		"configured":     c.IsConfigured(),
		"sent_count":     sent,
		"error_count":    errs,
		"error_rate_pct": errRate,
	}
}

// parseRetryAfter extracts Discord's retry_after hint (seconds, possibly
// fractional). Falls back to 5s when the body is unreadable.
func parseRetryAfter(body []byte) time.Duration {
	var hint struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &hint); err == nil && hint.RetryAfter > 0 {
		return time.Duration(hint.RetryAfter * float64(time.Second))
	}
	return 5 * time.Second
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rawblock/cabal-engine/internal/enrich"
	"github.com/rawblock/cabal-engine/pkg/models"
)

const telegramAPIBase = "https://api.telegram.org/bot"

// TelegramClient delivers alerts to a Telegram chat via the Bot API.
type TelegramClient struct {
	botToken string
	chatID   string
	apiBase  string

	httpClient *http.Client
	limiter    *minuteLimiter
	sem        chan struct{}

	sentCount  atomic.Int64
	errorCount atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error
}

func NewTelegramClient(botToken, chatID string, ratePerMinute int) *TelegramClient {
	return &TelegramClient{
		botToken:   botToken,
		chatID:     chatID,
		apiBase:    telegramAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    newMinuteLimiter(ratePerMinute),
		sem:        make(chan struct{}, 3),
		sleep:      sleepCtx,
	}
}

// IsConfigured reports whether both token and chat id are set.
func (c *TelegramClient) IsConfigured() bool {
	return c.botToken != "" && c.chatID != ""
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send delivers one alert as a Markdown message. Retry policy matches
// the webhook channel: backoff on network errors and 5xx, honor the
// retry_after hint on 429, give up on other API errors.
func (c *TelegramClient) Send(ctx context.Context, alert *models.Alert, score *enrich.CabalScore) bool {
	if !c.IsConfigured() {
		return false
	}
	if !c.limiter.Allow() {
		log.Printf("[Telegram] Rate limit reached, skipping alert for %s", truncate(alert.Mint, 8))
		return false
	}

	body, err := json.Marshal(map[string]any{
		"chat_id":                  c.chatID,
		"text":                     FormatTelegram(alert, score),
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
	if err != nil {
		c.errorCount.Add(1)
		return false
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return false
	}

	for attempt := 0; attempt < len(retryDelays); attempt++ {
		status, resp, err := c.post(ctx, "sendMessage", body)
		if err != nil {
			if attempt < len(retryDelays)-1 {
				log.Printf("[Telegram] Network error, retrying in %s: %v", retryDelays[attempt], err)
				if c.sleep(ctx, retryDelays[attempt]) != nil {
					return false
				}
				continue
			}
			c.errorCount.Add(1)
			log.Printf("[Telegram] Send failed after %d attempts: %v", len(retryDelays), err)
			return false
		}

		if status == http.StatusTooManyRequests || (resp != nil && resp.Parameters.RetryAfter > 0) {
			retryAfter := 5 * time.Second
			if resp != nil && resp.Parameters.RetryAfter > 0 {
				retryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
			}
			log.Printf("[Telegram] Rate limited by server, retry after %s", retryAfter)
			if c.sleep(ctx, retryAfter) != nil {
				return false
			}
			continue
		}
		if status >= 500 {
			if attempt < len(retryDelays)-1 {
				log.Printf("[Telegram] Server error %d, retrying in %s", status, retryDelays[attempt])
				if c.sleep(ctx, retryDelays[attempt]) != nil {
					return false
				}
				continue
			}
			c.errorCount.Add(1)
			return false
		}
		if resp == nil || !resp.OK {
			c.errorCount.Add(1)
			desc := "unreadable response"
			if resp != nil {
				desc = resp.Description
			}
			log.Printf("[Telegram] API error: %s", desc)
			return false
		}

		c.sentCount.Add(1)
		log.Printf("[Telegram] Alert sent for %s", truncate(alert.Mint, 8))
		return true
	}

	c.errorCount.Add(1)
	return false
}

// SendTest posts a plain message to verify the bot configuration.
func (c *TelegramClient) SendTest(ctx context.Context) bool {
	if !c.IsConfigured() {
		return false
	}
	body, _ := json.Marshal(map[string]any{
		"chat_id": c.chatID,
		"text":    "\U0001F916 Cabal engine connected and monitoring",
	})
	_, resp, err := c.post(ctx, "sendMessage", body)
	if err != nil || resp == nil || !resp.OK {
		log.Printf("[Telegram] Test message failed: %v", err)
		return false
	}
	log.Printf("[Telegram] Test message sent")
	return true
}

func (c *TelegramClient) post(ctx context.Context, method string, body []byte) (int, *telegramResponse, error) {
	url := c.apiBase + c.botToken + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer httpResp.Body.Close()

	var resp telegramResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return httpResp.StatusCode, nil, nil
	}
	return httpResp.StatusCode, &resp, nil
}

// TelegramStats returns delivery counters for the health surface.
func (c *TelegramClient) TelegramStats() map[string]any {
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

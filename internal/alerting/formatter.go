package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/rawblock/cabal-engine/internal/enrich"
	"github.com/rawblock/cabal-engine/internal/store"
	"github.com/rawblock/cabal-engine/pkg/models"
)

// Alert Formatting
//
// Renders assembled alerts for the two outbound channels:
//   1. Discord webhook embeds (title, color, fields, footer, timestamp)
//   2. Telegram bot messages (Markdown)
//
// The goal is a scannable message: risk level up front, the trigger that
// fired, the evidence for why, and one-click links to investigate.

// Embed is a Discord webhook embed object.
type Embed struct {
	Title       string       `json:"title"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// EmbedField is one name/value section of an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter holds the embed footer text.
type EmbedFooter struct {
	Text string `json:"text"`
}

// DiscordPayload is the webhook request body.
type DiscordPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

var riskColors = map[string]int{
	"CRITICAL": 0xFF0000,
	"HIGH":     0xFF4400,
	"MEDIUM":   0xFFAA00,
	"LOW":      0xFFDD00,
	"MINIMAL":  0x00AA00,
}

var riskEmoji = map[string]string{
	"CRITICAL": "\U0001F6A8",
	"HIGH":     "\U0001F534",
	"MEDIUM":   "\U0001F7E0",
	"LOW":      "\U0001F7E1",
	"MINIMAL":  "\U0001F7E2",
}

// Keyed by the trigger names in config/thresholds.yaml; an unknown name
// falls back to the raw trigger reason.
var triggerDescriptions = map[string]string{
	"volume_spike":              "Sudden burst of buys from many wallets",
	"coordinated_buying":        "Many wallets buying in lockstep, few selling",
	"concentrated_accumulation": "Few wallets accumulating aggressively",
	"fresh_wallet_swarm":        "Swarm of freshly funded wallets buying",
	"slow_accumulation":         "Steady buy pressure building over the hour",
	"stealth_whales":            "Large quiet buys spread across wallets",
}

// FormatDiscordEmbed builds the webhook payload for an alert.
func FormatDiscordEmbed(a *models.Alert, score *enrich.CabalScore) *DiscordPayload {
	risk := riskLevelFor(score)
	color, ok := riskColors[risk]
	if !ok {
		color = riskColors["MEDIUM"]
	}
	emoji, ok := riskEmoji[risk]
	if !ok {
		emoji = riskEmoji["MEDIUM"]
	}

	token := tokenDisplay(a)
	var title string
	if score != nil {
		title = fmt.Sprintf("%s %s RISK - %s", emoji, risk, token)
	} else {
		title = fmt.Sprintf("%s POTENTIAL CABAL - %s", emoji, token)
	}

	desc, ok := triggerDescriptions[a.TriggerName]
	if !ok {
		desc = a.TriggerReason
	}
	description := fmt.Sprintf("**%s**\n%s", humanizeTrigger(a.TriggerName), desc)

	var fields []EmbedField

	activity := fmt.Sprintf(
		"\U0001F4B0 **%.1f SOL** volume\n\U0001F6D2 **%d** buys from **%d** wallets\n\U0001F4CA **%s** buy/sell ratio",
		a.VolumeSol5m, a.BuyCount5m, a.UniqueBuyers5m, formatRatio(a.BuySellRatio5m))
	fields = append(fields, EmbedField{
		Name:   "\U0001F4CA 5-Minute Activity",
		Value:  activity,
		Inline: true,
	})

	if a.McapSol > 0 {
		mcap := fmt.Sprintf("**%.0f SOL**", a.McapSol)
		if a.PriceSol > 0 {
			mcap += fmt.Sprintf("\nPrice: %.9f SOL", a.PriceSol)
		}
		fields = append(fields, EmbedField{
			Name:   "\U0001F4B5 Market Cap",
			Value:  mcap,
			Inline: true,
		})
	}

	if score != nil && score.Total > 0 {
		fields = append(fields, EmbedField{
			Name:   "\U0001F3AF Cabal Likelihood",
			Value:  scoreBreakdown(score),
			Inline: true,
		})
	}

	if lines := evidenceLines(a, score); len(lines) > 0 {
		fields = append(fields, EmbedField{
			Name:  "\U0001F50D Why This Was Flagged",
			Value: strings.Join(lines, "\n"),
		})
	}

	if len(a.TopBuyers) > 0 {
		fields = append(fields, topBuyersField(a))
	}

	if a.ClusterSummary != "" && strings.Contains(strings.ToLower(a.ClusterSummary), "cluster") {
		fields = append(fields, EmbedField{
			Name:  "\U0001F517 Wallet Clusters",
			Value: a.ClusterSummary,
		})
	}

	fields = append(fields, EmbedField{
		Name: "\U0001F517 Investigate",
		Value: fmt.Sprintf(
			"[\U0001F50D Birdeye](https://birdeye.so/token/%s?chain=solana) • "+
				"[\U0001F4CA DexScreener](https://dexscreener.com/solana/%s) • "+
				"[\U0001F9FE Solscan](https://solscan.io/token/%s)",
			a.Mint, a.Mint, a.Mint),
	})

	if a.EnrichmentDegraded {
		fields = append(fields, EmbedField{
			Name:  "⚠️ Limited Analysis",
			Value: "_RPC credit limit reached, some enrichment skipped_",
		})
	}

	ts := a.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return &DiscordPayload{
		Embeds: []Embed{{
			Title:       title,
			URL:         "https://dexscreener.com/solana/" + a.Mint,
			Description: description,
			Color:       color,
			Fields:      fields,
			Footer:      &EmbedFooter{Text: "Mint: " + a.Mint},
			Timestamp:   ts.Format(time.RFC3339),
		}},
	}
}

// FormatTelegram renders the alert as a Markdown message.
func FormatTelegram(a *models.Alert, score *enrich.CabalScore) string {
	risk := riskLevelFor(score)
	emoji, ok := riskEmoji[risk]
	if !ok {
		emoji = riskEmoji["MEDIUM"]
	}

	lines := []string{
		fmt.Sprintf("%s *%s RISK - %s*", emoji, risk, tokenDisplay(a)),
		"",
		fmt.Sprintf("*%s*", humanizeTrigger(a.TriggerName)),
	}
	if desc, ok := triggerDescriptions[a.TriggerName]; ok {
		lines = append(lines, desc)
	} else {
		lines = append(lines, a.TriggerReason)
	}
	lines = append(lines,
		"",
		fmt.Sprintf("\U0001F4B0 *%.1f SOL* from *%d* wallets", a.VolumeSol5m, a.UniqueBuyers5m),
		fmt.Sprintf("\U0001F6D2 *%d* buys | *%s* ratio", a.BuyCount5m, formatRatio(a.BuySellRatio5m)),
	)

	if score != nil {
		lines = append(lines, "", fmt.Sprintf("\U0001F3AF Cabal Score: *%.0f%%*", score.Total*100))
		for _, ev := range score.TopEvidence(2) {
			lines = append(lines, "  • "+ev)
		}
	}

	if len(a.TopBuyers) > 0 {
		lines = append(lines, "", "*Top Buyers:*")
		for i, b := range a.TopBuyers {
			if i >= 3 {
				break
			}
			lines = append(lines, fmt.Sprintf("  %d. `%s...` - %.2f SOL", i+1, shortWallet(b.Wallet, 8), b.VolumeSol))
		}
	}

	lines = append(lines,
		"",
		fmt.Sprintf("`%s`", a.Mint),
		"",
		fmt.Sprintf("[Birdeye](https://birdeye.so/token/%s) | [DexScreener](https://dexscreener.com/solana/%s)", a.Mint, a.Mint),
	)

	return strings.Join(lines, "\n")
}

// FormatPlain renders the alert as one log line.
func FormatPlain(a *models.Alert, score *enrich.CabalScore) string {
	token := a.TokenSymbol
	if token == "" {
		token = truncate(a.Mint, 8)
	}
	scoreStr := "N/A"
	if score != nil {
		scoreStr = fmt.Sprintf("%.0f%%", score.Total*100)
	}
	return fmt.Sprintf("[ALERT] %s | %s | Vol: %.1f SOL | Buyers: %d | Score: %s",
		token, a.TriggerName, a.VolumeSol5m, a.UniqueBuyers5m, scoreStr)
}

func scoreBreakdown(score *enrich.CabalScore) string {
	pct := int(score.Total * 100)
	filled := pct / 10
	if filled > 10 {
		filled = 10
	}
	bar := strings.Repeat("\U0001F7E5", filled) + strings.Repeat("⬜", 10-filled)

	var b strings.Builder
	fmt.Fprintf(&b, "%s **%d%%**\n", bar, pct)
	components := []struct {
		name  string
		value float64
	}{
		{"Concentration", score.Concentration},
		{"Clustering", score.Cluster},
		{"Timing", score.Timing},
		{"New Wallets", score.NewWallet},
		{"Buy Ratio", score.Ratio},
	}
	shown := 0
	for _, c := range components {
		if c.value > 0.1 && shown < 3 {
			fmt.Fprintf(&b, "• %s: %.0f%%\n", c.name, c.value*100)
			shown++
		}
	}
	return strings.TrimSpace(b.String())
}

func evidenceLines(a *models.Alert, score *enrich.CabalScore) []string {
	var lines []string

	if a.UniqueBuyers5m > 0 {
		perWallet := float64(a.BuyCount5m) / float64(a.UniqueBuyers5m)
		if perWallet > 3 {
			lines = append(lines, fmt.Sprintf("\U0001F6A9 %.1f buys per wallet (coordinated?)", perWallet))
		}
	}

	if store.IsAllBuys(a.BuySellRatio5m) {
		lines = append(lines, "\U0001F6A9 All buys, zero sells")
	} else if a.BuySellRatio5m > 10 {
		lines = append(lines, fmt.Sprintf("\U0001F6A9 %.0fx more buys than sells", a.BuySellRatio5m))
	}

	if a.UniqueBuyers5m <= 5 && a.VolumeSol5m > 5 {
		lines = append(lines, fmt.Sprintf("\U0001F6A9 Only %d wallets moved %.1f SOL", a.UniqueBuyers5m, a.VolumeSol5m))
	}

	if score != nil {
		for _, ev := range score.TopEvidence(2) {
			dup := false
			for _, existing := range lines {
				if strings.Contains(existing, ev) {
					dup = true
					break
				}
			}
			if !dup {
				lines = append(lines, "\U0001F6A9 "+ev)
			}
		}
	}

	if len(lines) > 4 {
		lines = lines[:4]
	}
	return lines
}

func topBuyersField(a *models.Alert) EmbedField {
	medals := []string{"\U0001F947", "\U0001F948", "\U0001F949", "", ""}
	var buyerLines []string
	totalTop := 0.0

	for i, b := range a.TopBuyers {
		if i >= 5 {
			break
		}
		totalTop += b.VolumeSol
		buyerLines = append(buyerLines, fmt.Sprintf(
			"%s [`%s`](https://solscan.io/account/%s) - **%.2f** SOL",
			medals[i], shortWallet(b.Wallet, 12), b.Wallet, b.VolumeSol))
	}

	name := "\U0001F465 Top Buyers"
	if a.VolumeSol5m > 0 {
		name = fmt.Sprintf("\U0001F465 Top Buyers (%.0f%% of volume)", totalTop/a.VolumeSol5m*100)
	}
	return EmbedField{Name: name, Value: strings.Join(buyerLines, "\n")}
}

func tokenDisplay(a *models.Alert) string {
	switch {
	case a.TokenName != "" && a.TokenSymbol != "":
		return fmt.Sprintf("%s ($%s)", a.TokenName, a.TokenSymbol)
	case a.TokenSymbol != "":
		return "$" + a.TokenSymbol
	default:
		return fmt.Sprintf("`%s...`", truncate(a.Mint, 12))
	}
}

// formatRatio renders the buy/sell ratio, including the zero-sell sentinel.
func formatRatio(ratio float64) string {
	switch {
	case store.IsAllBuys(ratio) || ratio > 1000:
		return "ALL BUYS (no sells)"
	case ratio > 100:
		return fmt.Sprintf("%.0fx (almost no sells)", ratio)
	case ratio > 10:
		return fmt.Sprintf("%.0fx", ratio)
	default:
		return fmt.Sprintf("%.1fx", ratio)
	}
}

// riskLevelFor buckets the composite score into five display tiers. The
// display tiers are finer than CabalScore.RiskLevel, adding CRITICAL for
// the top of the range.
func riskLevelFor(score *enrich.CabalScore) string {
	if score == nil {
		return "MEDIUM"
	}
	switch {
	case score.Total >= 0.8:
		return "CRITICAL"
	case score.Total >= 0.6:
		return "HIGH"
	case score.Total >= 0.4:
		return "MEDIUM"
	case score.Total >= 0.2:
		return "LOW"
	default:
		return "MINIMAL"
	}
}

func humanizeTrigger(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func shortWallet(w string, max int) string {
	if len(w) > max {
		return w[:6] + "..." + w[len(w)-4:]
	}
	return w
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

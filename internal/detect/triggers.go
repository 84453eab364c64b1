package detect

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// TriggerCondition is one parsed "field op number" clause.
type TriggerCondition struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

// Trigger is a named conjunction of conditions.
type Trigger struct {
	Name       string             `json:"name"`
	Conditions []TriggerCondition `json:"conditions"`
}

// TriggerResult reports a fired trigger with the stats that fired it.
type TriggerResult struct {
	TriggerName string
	Reason      string
	Stats       *TokenStats
}

type triggerConfig struct {
	Triggers []struct {
		Name       string   `yaml:"name"`
		Conditions []string `yaml:"conditions"`
		Enabled    *bool    `yaml:"enabled"` // nil means enabled
	} `yaml:"triggers"`
}

type ruleSet struct {
	short []Trigger // _5m-only conditions
	long  []Trigger // any _1h condition
}

// TriggerEvaluator evaluates the YAML trigger rules against token stats.
// Rules referencing any _1h field are evaluated against the hour window,
// the rest against the 5-minute window; short rules run first. The rule
// set swaps atomically on reload.
type TriggerEvaluator struct {
	counters   *CounterManager
	configFile string

	rules atomic.Pointer[ruleSet]

	mu          sync.Mutex
	evaluations int64
	fired       int64
}

func NewTriggerEvaluator(counters *CounterManager, configFile string) (*TriggerEvaluator, error) {
	e := &TriggerEvaluator{counters: counters, configFile: configFile}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the config file and swaps the rule set. A bad file
// leaves the previous rules in place.
func (e *TriggerEvaluator) Reload() error {
	data, err := os.ReadFile(e.configFile)
	if err != nil {
		return fmt.Errorf("read trigger config: %w", err)
	}
	return e.LoadYAML(data)
}

// LoadYAML parses a trigger config blob and swaps the rule set. Used by
// both file reload and the Redis cfg:reload path.
func (e *TriggerEvaluator) LoadYAML(data []byte) error {
	var cfg triggerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse trigger config: %w", err)
	}

	rs := &ruleSet{}
	for _, def := range cfg.Triggers {
		if def.Enabled != nil && !*def.Enabled {
			log.Printf("[Triggers] Trigger %s disabled", def.Name)
			continue
		}
		var conds []TriggerCondition
		for _, raw := range def.Conditions {
			cond, err := ParseCondition(raw)
			if err != nil {
				log.Printf("[Triggers] Skipping condition %q: %v", raw, err)
				continue
			}
			conds = append(conds, cond)
		}
		if len(conds) == 0 {
			log.Printf("[Triggers] Trigger %s has no valid conditions", def.Name)
			continue
		}
		t := Trigger{Name: def.Name, Conditions: conds}
		if hasHourField(conds) {
			rs.long = append(rs.long, t)
		} else {
			rs.short = append(rs.short, t)
		}
	}

	e.rules.Store(rs)
	log.Printf("[Triggers] Loaded %d 5m triggers and %d 1h triggers", len(rs.short), len(rs.long))
	return nil
}

func hasHourField(conds []TriggerCondition) bool {
	for _, c := range conds {
		if strings.Contains(c.Field, "_1h") {
			return true
		}
	}
	return false
}

// ParseCondition parses "field op number". Operators checked longest
// first so ">=" never splits as ">".
func ParseCondition(s string) (TriggerCondition, error) {
	for _, op := range []string{">=", "<=", "==", ">", "<"} {
		idx := strings.Index(s, op)
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(s[:idx])
		rawVal := strings.TrimSpace(s[idx+len(op):])
		if field == "" {
			return TriggerCondition{}, fmt.Errorf("empty field")
		}
		value, err := strconv.ParseFloat(rawVal, 64)
		if err != nil {
			return TriggerCondition{}, fmt.Errorf("bad value %q", rawVal)
		}
		return TriggerCondition{Field: field, Operator: op, Value: value}, nil
	}
	return TriggerCondition{}, fmt.Errorf("no operator found")
}

// Evaluate checks the token against all rules and returns the first hit,
// or nil.
func (e *TriggerEvaluator) Evaluate(ctx context.Context, mint string) (*TriggerResult, error) {
	e.mu.Lock()
	e.evaluations++
	e.mu.Unlock()

	short, err := e.counters.Stats(ctx, mint, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	long, err := e.counters.Stats(ctx, mint, time.Hour)
	if err != nil {
		return nil, err
	}
	fields := statFields(short, long)

	rs := e.rules.Load()
	for _, t := range rs.short {
		if matches(t, fields) {
			return e.fire(t, fields, short), nil
		}
	}
	for _, t := range rs.long {
		if matches(t, fields) {
			return e.fire(t, fields, long), nil
		}
	}
	return nil, nil
}

func (e *TriggerEvaluator) fire(t Trigger, fields map[string]float64, stats *TokenStats) *TriggerResult {
	e.mu.Lock()
	e.fired++
	e.mu.Unlock()
	return &TriggerResult{
		TriggerName: t.Name,
		Reason:      FormatReason(t, fields),
		Stats:       stats,
	}
}

func statFields(short, long *TokenStats) map[string]float64 {
	return map[string]float64{
		"buy_count_5m":                 float64(short.BuyCount),
		"sell_count_5m":                float64(short.SellCount),
		"unique_buyers_5m":             float64(short.UniqueBuyers),
		"unique_sellers_5m":            float64(short.UniqueSellers),
		"buy_volume_sol_5m":            short.VolumeSol,
		"avg_buy_size_5m":              short.AvgBuySize,
		"buy_sell_ratio_5m":            short.BuySellRatio,
		"top_3_buyers_volume_share_5m": short.Top3VolumeShare,
		"new_wallet_pct_5m":            short.NewWalletPct,

		"buy_count_1h":                 float64(long.BuyCount),
		"sell_count_1h":                float64(long.SellCount),
		"unique_buyers_1h":             float64(long.UniqueBuyers),
		"unique_sellers_1h":            float64(long.UniqueSellers),
		"buy_volume_sol_1h":            long.VolumeSol,
		"avg_buy_size_1h":              long.AvgBuySize,
		"buy_sell_ratio_1h":            long.BuySellRatio,
		"top_3_buyers_volume_share_1h": long.Top3VolumeShare,
		"new_wallet_pct_1h":            long.NewWalletPct,
	}
}

func matches(t Trigger, fields map[string]float64) bool {
	for _, c := range t.Conditions {
		v := fields[c.Field]
		switch c.Operator {
		case ">=":
			if !(v >= c.Value) {
				return false
			}
		case ">":
			if !(v > c.Value) {
				return false
			}
		case "<=":
			if !(v <= c.Value) {
				return false
			}
		case "<":
			if !(v < c.Value) {
				return false
			}
		case "==":
			if v != c.Value {
				return false
			}
		}
	}
	return true
}

// FormatReason renders the fired trigger with each condition's actual
// value, e.g. "Trigger: volume_spike | buy_count_5m=21.00 (>= 15)".
func FormatReason(t Trigger, fields map[string]float64) string {
	parts := []string{"Trigger: " + t.Name}
	for _, c := range t.Conditions {
		parts = append(parts, fmt.Sprintf("%s=%.2f (%s %g)", c.Field, fields[c.Field], c.Operator, c.Value))
	}
	return strings.Join(parts, " | ")
}

// Triggers returns the active rules for the API.
func (e *TriggerEvaluator) Triggers() []Trigger {
	rs := e.rules.Load()
	out := make([]Trigger, 0, len(rs.short)+len(rs.long))
	out = append(out, rs.short...)
	out = append(out, rs.long...)
	return out
}

// EvaluatorStats reports evaluation counters.
func (e *TriggerEvaluator) EvaluatorStats() map[string]any {
	rs := e.rules.Load()
	e.mu.Lock()
	evals, fired := e.evaluations, e.fired
	e.mu.Unlock()
	rate := 0.0
	if evals > 0 {
		rate = float64(fired) / float64(evals) * 100
	}
	return map[string]any{
		"triggers_5m_count": len(rs.short),
		"triggers_1h_count": len(rs.long),
		"evaluations":       evals,
		"triggers_fired":    fired,
		"fire_rate_pct":     rate,
	}
}

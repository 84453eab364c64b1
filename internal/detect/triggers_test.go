package detect

import (
	"strings"
	"testing"
)

func TestParseCondition(t *testing.T) {
	cases := []struct {
		in      string
		field   string
		op      string
		value   float64
		wantErr bool
	}{
		{"buy_count_5m >= 15", "buy_count_5m", ">=", 15, false},
		{"buy_sell_ratio_5m>3.0", "buy_sell_ratio_5m", ">", 3.0, false},
		{"new_wallet_pct_5m <= 0.5", "new_wallet_pct_5m", "<=", 0.5, false},
		{"sell_count_1h == 0", "sell_count_1h", "==", 0, false},
		{"no operator here", "", "", 0, true},
		{"buy_count_5m >= banana", "", "", 0, true},
		{">= 15", "", "", 0, true},
	}

	for _, tc := range cases {
		cond, err := ParseCondition(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseCondition(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCondition(%q): %v", tc.in, err)
			continue
		}
		if cond.Field != tc.field || cond.Operator != tc.op || cond.Value != tc.value {
			t.Errorf("ParseCondition(%q) = %+v", tc.in, cond)
		}
	}
}

func TestParseConditionGreaterEqualNotSplitAsGreater(t *testing.T) {
	cond, err := ParseCondition("x >= 5")
	if err != nil {
		t.Fatal(err)
	}
	if cond.Operator != ">=" {
		t.Errorf("operator = %q, want >=", cond.Operator)
	}
}

func TestMatchesConjunction(t *testing.T) {
	trig := Trigger{
		Name: "t",
		Conditions: []TriggerCondition{
			{Field: "buy_count_5m", Operator: ">=", Value: 10},
			{Field: "unique_buyers_5m", Operator: ">=", Value: 5},
		},
	}

	fields := map[string]float64{"buy_count_5m": 12, "unique_buyers_5m": 6}
	if !matches(trig, fields) {
		t.Error("both conditions met, should match")
	}

	fields["unique_buyers_5m"] = 4
	if matches(trig, fields) {
		t.Error("one condition failed, should not match")
	}
}

func TestMatchesMissingFieldTreatedAsZero(t *testing.T) {
	trig := Trigger{
		Name:       "t",
		Conditions: []TriggerCondition{{Field: "nonexistent", Operator: "<", Value: 1}},
	}
	if !matches(trig, map[string]float64{}) {
		t.Error("missing field should evaluate as 0")
	}
}

func TestFormatReason(t *testing.T) {
	trig := Trigger{
		Name: "volume_spike",
		Conditions: []TriggerCondition{
			{Field: "buy_count_5m", Operator: ">=", Value: 15},
		},
	}
	reason := FormatReason(trig, map[string]float64{"buy_count_5m": 21})

	if !strings.HasPrefix(reason, "Trigger: volume_spike") {
		t.Errorf("reason = %q", reason)
	}
	if !strings.Contains(reason, "buy_count_5m=21.00 (>= 15)") {
		t.Errorf("reason missing condition detail: %q", reason)
	}
}

func TestLoadYAMLWindowRouting(t *testing.T) {
	e := &TriggerEvaluator{}
	yaml := `triggers:
  - name: fast
    conditions:
      - "buy_count_5m >= 15"
  - name: slow
    conditions:
      - "buy_count_5m >= 5"
      - "buy_count_1h >= 100"
  - name: broken
    conditions:
      - "not a condition"
`
	if err := e.LoadYAML([]byte(yaml)); err != nil {
		t.Fatalf("load: %v", err)
	}

	rs := e.rules.Load()
	if len(rs.short) != 1 || rs.short[0].Name != "fast" {
		t.Errorf("short rules = %+v", rs.short)
	}
	// A rule mixing windows routes to the 1h pass.
	if len(rs.long) != 1 || rs.long[0].Name != "slow" {
		t.Errorf("long rules = %+v", rs.long)
	}
}

func TestLoadYAMLSkipsDisabledTriggers(t *testing.T) {
	e := &TriggerEvaluator{}
	yaml := `triggers:
  - name: volume_spike
    enabled: false
    conditions:
      - "buy_volume_sol_5m > 10"
  - name: explicit_on
    enabled: true
    conditions:
      - "buy_count_5m >= 15"
  - name: default_on
    conditions:
      - "unique_buyers_5m >= 8"
`
	if err := e.LoadYAML([]byte(yaml)); err != nil {
		t.Fatalf("load: %v", err)
	}

	loaded := e.Triggers()
	if len(loaded) != 2 {
		t.Fatalf("loaded %d triggers, want 2: %+v", len(loaded), loaded)
	}
	for _, trig := range loaded {
		if trig.Name == "volume_spike" {
			t.Error("disabled trigger was loaded")
		}
	}
}

func TestLoadYAMLBadConfigKeepsOldRules(t *testing.T) {
	e := &TriggerEvaluator{}
	good := `triggers:
  - name: fast
    conditions:
      - "buy_count_5m >= 15"
`
	if err := e.LoadYAML([]byte(good)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := e.LoadYAML([]byte("{not yaml")); err == nil {
		t.Fatal("expected parse error")
	}
	rs := e.rules.Load()
	if len(rs.short) != 1 {
		t.Error("bad reload clobbered the active rule set")
	}
}

func TestStatFieldsCoverBothWindows(t *testing.T) {
	short := &TokenStats{BuyCount: 5, VolumeSol: 1.5}
	long := &TokenStats{BuyCount: 50, VolumeSol: 20}
	fields := statFields(short, long)

	if fields["buy_count_5m"] != 5 || fields["buy_count_1h"] != 50 {
		t.Errorf("counts: %v", fields)
	}
	if fields["buy_volume_sol_5m"] != 1.5 || fields["buy_volume_sol_1h"] != 20 {
		t.Errorf("volumes: %v", fields)
	}
}

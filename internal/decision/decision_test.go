package decision

import (
	"strings"
	"testing"
)

const validLong = `{"direction":"LONG","conviction":0.66,"recommended_position_size":0.2,"recommended_leverage":3,"stop_loss_percentage":0.03,"take_profit_percentage":0.06,"reasoning":"aligned"}`

func TestValidateAcceptsWrappedJSON(t *testing.T) {
	inputs := []string{
		validLong,
		"```json\n" + validLong + "\n```",
		"判断如下：" + validLong + " 以上。",
	}
	for _, in := range inputs {
		v := Validate(in)
		if !v.Valid {
			t.Fatalf("expected valid for %q, got %s", in, v.Reason)
		}
		d := v.Decision
		if d.Direction != DirectionLong || d.Leverage != 3 || d.StopLossPct != 0.03 || d.TakeProfitPct != 0.06 || d.PositionSize != 0.2 {
			t.Fatalf("unexpected decision %+v", d)
		}
		if d.Conviction == nil || *d.Conviction != 0.66 {
			t.Fatalf("expected conviction 0.66")
		}
	}
}

func TestValidateOptionalConviction(t *testing.T) {
	raw := `{"direction":"NO_POSITION","recommended_position_size":0,"recommended_leverage":1,"stop_loss_percentage":0.02,"take_profit_percentage":0.04,"reasoning":"wait","conviction":null,"extra":{"a":1}}`
	v := Validate(raw)
	if !v.Valid {
		t.Fatalf("expected valid, got %s", v.Reason)
	}
	if v.Decision.Conviction != nil || v.Decision.Direction != DirectionNone {
		t.Fatalf("unexpected decision %+v", v.Decision)
	}
}

func TestValidateRejectsBadShapes(t *testing.T) {
	replace := func(old, new string) string { return strings.Replace(validLong, old, new, 1) }
	cases := map[string]string{
		"no json":             "LONG, 3x",
		"unknown direction":   replace(`"LONG"`, `"BUY"`),
		"lowercase direction": replace(`"LONG"`, `"long"`),
		"size out of range":   replace(`"recommended_position_size":0.2`, `"recommended_position_size":1.5`),
		"entry size too low":  replace(`"recommended_position_size":0.2`, `"recommended_position_size":0.05`),
		"size as string":      replace(`"recommended_position_size":0.2`, `"recommended_position_size":"0.2"`),
		"fractional leverage": replace(`"recommended_leverage":3`, `"recommended_leverage":2.5`),
		"leverage too high":   replace(`"recommended_leverage":3`, `"recommended_leverage":25`),
		"leverage zero":       replace(`"recommended_leverage":3`, `"recommended_leverage":0`),
		"sl zero":             replace(`"stop_loss_percentage":0.03`, `"stop_loss_percentage":0`),
		"tp one":              replace(`"take_profit_percentage":0.06`, `"take_profit_percentage":1`),
		"sl percent units":    replace(`"stop_loss_percentage":0.03`, `"stop_loss_percentage":3`),
		"missing reasoning":   replace(`,"reasoning":"aligned"`, ``),
		"reasoning not text":  replace(`"reasoning":"aligned"`, `"reasoning":42`),
		"conviction too big":  replace(`"conviction":0.66`, `"conviction":1.2`),
		"missing leverage":    replace(`"recommended_leverage":3,`, ``),
		"truncated":           validLong[:len(validLong)-5],
	}
	for name, raw := range cases {
		if v := Validate(raw); v.Valid || v.Reason == "" {
			t.Fatalf("%s: expected invalid with reason, got %+v", name, v)
		}
	}
}

func TestExtractJSONSkipsBracesInStrings(t *testing.T) {
	raw := `note {not json} then {"reasoning":"uses } and { inside","direction":"SHORT"} trailing }`
	got, ok := extractJSON(raw)
	if !ok {
		t.Fatalf("expected object")
	}
	if got != `{"reasoning":"uses } and { inside","direction":"SHORT"}` {
		t.Fatalf("unexpected extraction %q", got)
	}
	if _, ok := extractJSON("no object here"); ok {
		t.Fatalf("expected no object")
	}
}

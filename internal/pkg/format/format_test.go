package format

import (
	"testing"
	"time"
)

func TestPercent(t *testing.T) {
	cases := map[float64]string{0: "0%", 0.12: "12%", 0.025: "2.5%", -0.031: "-3.1%", 1: "100%"}
	for in, want := range cases {
		if got := Percent(in); got != want {
			t.Fatalf("Percent(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestUSDAndDuration(t *testing.T) {
	if got := USD(-3); got != "-$3.00" {
		t.Fatalf("unexpected USD %q", got)
	}
	if got := Duration(65 * time.Minute); got != "1h5m" {
		t.Fatalf("unexpected duration %q", got)
	}
	if got := Duration(200 * time.Second); got != "3m20s" {
		t.Fatalf("unexpected duration %q", got)
	}
}

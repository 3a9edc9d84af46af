package paper

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/GETSUNWOO/futures-encho/internal/exchange"
)

type fixedPrice struct{ px float64 }

func (f *fixedPrice) LatestPrice(context.Context) (float64, error) { return f.px, nil }

func TestLongRoundTrip(t *testing.T) {
	ctx := context.Background()
	px := &fixedPrice{px: 60000}
	ex := New(10000, px)

	fill, err := ex.OpenMarket(ctx, exchange.SideLong, 0.05)
	if err != nil || fill.Price != 60000 || fill.Amount != 0.05 || fill.OrderID == "" {
		t.Fatalf("unexpected fill %+v %v", fill, err)
	}
	if _, err := ex.OpenMarket(ctx, exchange.SideShort, 0.01); !errors.Is(err, ErrHasPosition) {
		t.Fatalf("expected ErrHasPosition, got %v", err)
	}
	if o, err := ex.PlaceStopLoss(ctx, exchange.SideLong, 0.05, 58200); err != nil || o.Type != "stop_loss" || o.TriggerPrice != 58200 {
		t.Fatalf("unexpected stop order %+v %v", o, err)
	}

	px.px = 61200
	st, _ := ex.PositionStatus(ctx)
	if !st.IsOpen || st.Side != exchange.SideLong || math.Abs(st.UnrealizedPnL-60) > 1e-9 {
		t.Fatalf("unexpected status %+v", st)
	}

	cf, err := ex.ClosePosition(ctx)
	if err != nil || cf.ExitPrice != 61200 {
		t.Fatalf("unexpected close %+v %v", cf, err)
	}
	bal, _ := ex.AvailableBalance(ctx)
	if math.Abs(bal-10060) > 1e-9 {
		t.Fatalf("expected 10060, got %v", bal)
	}
	acct := ex.Account()
	if acct.Open || math.Abs(acct.TotalReturnPct-0.6) > 1e-9 {
		t.Fatalf("unexpected account %+v", acct)
	}
	if _, err := ex.ClosePosition(ctx); !errors.Is(err, ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
}

func TestShortLossAndReset(t *testing.T) {
	ctx := context.Background()
	px := &fixedPrice{px: 3000}
	ex := New(1000, px)
	if _, err := ex.OpenMarket(ctx, exchange.SideShort, 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	px.px = 3030
	if _, err := ex.ClosePosition(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if bal, _ := ex.AvailableBalance(ctx); math.Abs(bal-970) > 1e-9 {
		t.Fatalf("expected 970, got %v", bal)
	}
	ex.Reset(0)
	if bal, _ := ex.AvailableBalance(ctx); bal != 1000 {
		t.Fatalf("expected reset to 1000, got %v", bal)
	}
	if _, err := ex.PlaceTakeProfit(ctx, exchange.SideShort, 1, 2900); !errors.Is(err, ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition without position, got %v", err)
	}
}

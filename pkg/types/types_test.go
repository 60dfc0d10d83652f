package types

import "testing"

func TestNewOpenLog(t *testing.T) {
	t.Parallel()
	lg := NewOpenLog(1735700000, 250, 4.2, 1000, 65000, "0xabc")

	if lg.Action != ActionOpen {
		t.Errorf("action = %q, want %q", lg.Action, ActionOpen)
	}
	if lg.Timestamp != 1735700000 || lg.SizeUsd != 1000 || lg.Price != 65000 || lg.TransactionHash != "0xabc" {
		t.Errorf("log = %+v", lg)
	}
	if lg.CollateralUsd == nil || *lg.CollateralUsd != 250 {
		t.Errorf("collateralUsd = %v, want 250", lg.CollateralUsd)
	}
	if lg.Leverage == nil || *lg.Leverage != 4.2 {
		t.Errorf("leverage = %v, want 4.2", lg.Leverage)
	}
	// Close-only fields stay nil so the stored document keeps its shape.
	if lg.RealizedPnl != nil || lg.PercentageClosed != nil {
		t.Errorf("open log carries close-only fields: %+v", lg)
	}
}

func TestNewCloseLog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		action Action
	}{
		{"voluntary close", ActionClose},
		{"keeper liquidation", ActionLiquidate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lg := NewCloseLog(1735800000, tt.action, -12.5, 400, 40, 61000, "0xdef")

			if lg.Action != tt.action {
				t.Errorf("action = %q, want %q", lg.Action, tt.action)
			}
			if lg.Timestamp != 1735800000 || lg.SizeUsd != 400 || lg.Price != 61000 || lg.TransactionHash != "0xdef" {
				t.Errorf("log = %+v", lg)
			}
			if lg.RealizedPnl == nil || *lg.RealizedPnl != -12.5 {
				t.Errorf("realizedPnl = %v, want -12.5", lg.RealizedPnl)
			}
			if lg.PercentageClosed == nil || *lg.PercentageClosed != 40 {
				t.Errorf("percentageClosed = %v, want 40", lg.PercentageClosed)
			}
			if lg.CollateralUsd != nil || lg.Leverage != nil {
				t.Errorf("close log carries open-only fields: %+v", lg)
			}
		})
	}
}

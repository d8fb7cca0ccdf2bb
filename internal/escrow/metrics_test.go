package escrow

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/mbd888/stakehold/internal/host"
	"github.com/mbd888/stakehold/internal/transfer"
)

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestSeedMetricsFromStore(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	const otherID = "22222222-2222-2222-2222-222222222222"
	h.initialize(t, testID, 1000)
	h.initialize(t, otherID, 300)
	h.deposit(t, otherID)

	// A fresh engine over the same storage stands in for a restarted process.
	CustodyLocked.Set(-42)
	LiveEscrows.WithLabelValues(StageInitialized.String()).Set(-1)
	LiveEscrows.WithLabelValues(StageDeposited.String()).Set(-1)
	restarted := NewEngine(h.store, transfer.NewGateway(h.ledger), h.deriver, host.NewRuntime(nil))
	if err := restarted.SeedMetrics(context.Background()); err != nil {
		t.Fatalf("SeedMetrics: %v", err)
	}

	if got := gaugeValue(t, CustodyLocked); got != 1600 {
		t.Fatalf("expected custody_locked 1600, got %v", got)
	}
	if got := gaugeValue(t, LiveEscrows.WithLabelValues(StageInitialized.String())); got != 1 {
		t.Fatalf("expected 1 initialized escrow, got %v", got)
	}
	if got := gaugeValue(t, LiveEscrows.WithLabelValues(StageDeposited.String())); got != 1 {
		t.Fatalf("expected 1 deposited escrow, got %v", got)
	}

	if _, err := restarted.Cancel(context.Background(), CancelRequest{Identifier: testID, Opener: h.opener.Signer()}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := gaugeValue(t, CustodyLocked); got != 600 {
		t.Fatalf("expected custody_locked 600 after cancel, got %v", got)
	}
}

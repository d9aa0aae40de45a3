package observability

import (
	"testing"
	"time"

	"github.com/danmuck/routerd/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	RecordSessionOpened("realm1")
	RecordMessage("in", "CALL")
	RecordCall("realm1", OutcomeResult, 12*time.Millisecond)
	RecordEvents("realm1", 3)
	RecordEvents("realm1", 0)
	RecordSessionClosed("realm1")

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"routerd_router_sessions_total":         false,
		"routerd_rpc_calls_total":               false,
		"routerd_pubsub_events_delivered_total": false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("metric %s not registered", name)
		}
	}

	log.Info().Msg("observability/metrics: registration idempotent and recording paths executed")
}

package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorNames(t *testing.T) {
	ReconciliationRuns.WithLabelValues("interval", "ok").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(ReconciliationRuns.WithLabelValues("interval", "ok")))

	expected := `
# HELP bridge_chain_last_processed_block Polling cursor per chain
# TYPE bridge_chain_last_processed_block gauge
bridge_chain_last_processed_block{chain="sepolia"} 42
`
	LastProcessedBlock.WithLabelValues("sepolia").Set(42)
	assert.NoError(t, testutil.CollectAndCompare(LastProcessedBlock, strings.NewReader(expected)))
}

package agentcache

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := New(&countingBuilder{}, WithLogger(quietLogger()))
	ctx := context.Background()
	node := agentNode("classify", "triage")
	for range 3 {
		_, err := c.Get(ctx, node)
		require.NoError(t, err)
	}

	collector := NewCollector(c, "careflow")
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(collector))

	assert.Equal(t, 6, testutil.CollectAndCount(collector))

	expected := `
# HELP careflow_agent_cache_hits_total Adapter lookups served from cache
# TYPE careflow_agent_cache_hits_total counter
careflow_agent_cache_hits_total 2
# HELP careflow_agent_cache_misses_total Adapter lookups that required a build
# TYPE careflow_agent_cache_misses_total counter
careflow_agent_cache_misses_total 1
# HELP careflow_agent_cache_entries Entries currently cached
# TYPE careflow_agent_cache_entries gauge
careflow_agent_cache_entries 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"careflow_agent_cache_hits_total",
		"careflow_agent_cache_misses_total",
		"careflow_agent_cache_entries",
	)
	assert.NoError(t, err)
}

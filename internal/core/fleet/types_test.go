package fleet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueKeepsNumberAndString(t *testing.T) {
	var m Metrics
	err := json.Unmarshal([]byte(`{"hashrate_ths":95.5,"pool":"stratum+tcp://pool:3333","weird":true}`), &m)
	require.NoError(t, err)

	f, ok := m.Float("hashrate_ths")
	assert.True(t, ok)
	assert.Equal(t, 95.5, f)

	_, ok = m.Float("pool")
	assert.False(t, ok)
	assert.Equal(t, "stratum+tcp://pool:3333", m["pool"].String())

	// non-scalar shapes survive as raw text
	assert.Equal(t, "true", m["weird"].String())

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"hashrate_ths":95.5`, "numbers stay numbers on the way out")
}

func TestHistoryPointWireShape(t *testing.T) {
	p := HistoryPoint{TS: 42, Metrics: Metrics{
		"temp": Num(60),
		"ts":   Str("bogus"),
	}}

	b, err := json.Marshal(p)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(b, &flat))
	assert.Equal(t, 42.0, flat["ts"], "resolved ts wins over the agent-supplied metric")
	assert.Equal(t, 60.0, flat["temp"])

	var back HistoryPoint
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, int64(42), back.TS)
	f, ok := back.Metrics.Float("temp")
	assert.True(t, ok)
	assert.Equal(t, 60.0, f)
}

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ObserveRelay("to_operator", OutcomeOK, 10*time.Millisecond)
	m.ObserveRelay("to_operator", OutcomeOK, 20*time.Millisecond)
	m.ObserveRelay("to_user", OutcomeNotice, time.Millisecond)
	m.TopicCreated()
	m.TopicRecovered()
	m.DuplicateUpdate()
	m.Update("user")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.relays.WithLabelValues("to_operator", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relays.WithLabelValues("to_user", OutcomeNotice)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.topicsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updates.WithLabelValues("user")))
}

func TestMetrics_LockTableGauge(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	size := 3
	m.WatchLockTable(func() int { return size })

	expected := `
# HELP topic_relay_user_locks Entries in the per-user lock table
# TYPE topic_relay_user_locks gauge
topic_relay_user_locks 3
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "topic_relay_user_locks"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRelay("to_user", OutcomeOK, time.Second)
		m.TopicCreated()
		m.TopicCreateFailed()
		m.WatchLockTable(func() int { return 1 })
	})
	assert.Nil(t, m.Registry())
}

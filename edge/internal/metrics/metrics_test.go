package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetSchedulerState(t *testing.T) {
	all := []string{"idle", "processing", "paused"}

	SetSchedulerState("processing", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(SchedulerState.WithLabelValues("processing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(SchedulerState.WithLabelValues("idle")))

	SetSchedulerState("paused", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(SchedulerState.WithLabelValues("processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SchedulerState.WithLabelValues("paused")))
}

func TestEventsEnqueued(t *testing.T) {
	before := testutil.ToFloat64(EventsEnqueued.WithLabelValues("accepted"))
	EventsEnqueued.WithLabelValues("accepted").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(EventsEnqueued.WithLabelValues("accepted")))
}

package obsmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDedupeOutcome(t *testing.T) {
	initial := testutil.ToFloat64(DedupeOutcomesTotal.WithLabelValues("claimed_new"))

	RecordDedupeOutcome(true)

	after := testutil.ToFloat64(DedupeOutcomesTotal.WithLabelValues("claimed_new"))
	assert.Equal(t, initial+1.0, after)
}

func TestRecordEmailProcessed(t *testing.T) {
	initial := testutil.ToFloat64(EmailsProcessedTotal.WithLabelValues("enqueued"))

	RecordEmailProcessed("enqueued")

	after := testutil.ToFloat64(EmailsProcessedTotal.WithLabelValues("enqueued"))
	assert.Equal(t, initial+1.0, after)
}

func TestBreakerStateValue(t *testing.T) {
	assert.Equal(t, 0.0, BreakerStateValue("closed"))
	assert.Equal(t, 1.0, BreakerStateValue("half-open"))
	assert.Equal(t, 2.0, BreakerStateValue("open"))
	assert.Equal(t, 0.0, BreakerStateValue("unknown"))
}

func TestQueueDepthGauge(t *testing.T) {
	QueueDepth.WithLabelValues("raw-queue").Set(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(QueueDepth.WithLabelValues("raw-queue")))
}

func TestNewServer(t *testing.T) {
	s := NewServer(":0", logr.Discard())
	assert.NotNil(t, s)
	assert.NotNil(t, s.server)
}

func TestServerStartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", logr.Discard())
	s.StartAsync()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Stop(ctx))
}

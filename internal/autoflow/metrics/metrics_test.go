package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TaskEnqueued("workflow", "evaluate")
	m.TaskFailed("workflow", "evaluate", true)
	m.GatewayCall("fetch_issue", "ok")
	m.SetSlotsInUse(2)
	m.DebounceFired()
}

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.TaskEnqueued("workflow", "evaluate")
	m.TaskEnqueued("workflow", "evaluate")
	m.TaskFailed("execution", "execute", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksEnqueued.WithLabelValues("workflow", "evaluate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksFailed.WithLabelValues("execution", "execute", "false")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.SetQueueDepth("workflow", "pending", 3)
	m.WebhookEvent("Comment", "accepted")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `autoflow_queue_depth{queue="workflow",status="pending"} 3`), text)
	assert.Contains(t, text, "autoflow_webhook_events_total")
}

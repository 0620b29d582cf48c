package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Scrape(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	m.InstanceStarted(ctx, "acme", "purchase_request")
	m.InstanceFinished(ctx, "acme", "completed")
	m.StepActivated(ctx, "approval")
	m.Escalated(ctx, 1)
	m.Compensated(ctx, 1, 3)
	m.TransitionDuration(ctx, "submit_decision", 0.004)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	for _, name := range []string{
		"workflow_instances_started",
		"workflow_instances_finished",
		"workflow_steps_activated",
		"workflow_escalations",
		"workflow_compensations",
		"workflow_transition_duration",
	} {
		assert.Contains(t, string(body), name)
	}
	assert.Contains(t, string(body), `category="purchase_request"`)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.InstanceStarted(context.Background(), "acme", "x")
		m.Escalated(context.Background(), 2)
	})
}

package conveyor

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler_ExposesFrameworkSeries(t *testing.T) {
	recordProcessed("metrics-test", 200, time.Now())
	recordNak("metrics-test", "transient")
	recordOutboxPublish(publishDispatcher, true)
	recordOutboxPublish(publishFastPath, false)

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `conveyor_messages_processed_total{queue="metrics-test",status="200"}`)
	assert.Contains(t, out, `conveyor_messages_nakked_total{queue="metrics-test",reason="transient"}`)
	assert.Contains(t, out, `conveyor_outbox_published_total{source="dispatcher"}`)
	assert.Contains(t, out, `conveyor_outbox_publish_failures_total{source="fast_path"}`)
	assert.Contains(t, out, "conveyor_idempotency_hits_total")
}

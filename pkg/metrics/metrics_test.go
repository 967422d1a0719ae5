package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveProxy(t *testing.T) {
	before := testutil.ToFloat64(ProxyResponses.WithLabelValues("GET", "200"))
	ObserveProxy("GET", 200)
	ObserveProxy("GET", 200)
	assert.Equal(t, before+2, testutil.ToFloat64(ProxyResponses.WithLabelValues("GET", "200")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	WorkflowTransitions.WithLabelValues("STANDARD", "APPROVED").Inc()
	SocketDropped.Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `vault_pam_workflow_transitions_total{status="APPROVED",type="STANDARD"}`)
	assert.Contains(t, string(body), "vault_pam_socket_dropped_frames_total")
}

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

func TestCounters(t *testing.T) {
	m := New()

	m.CallStarted("outgoing")
	m.CallStarted("outgoing")
	m.CallStarted("incoming")
	m.CallEnded("remote-rejected")
	m.InviteAutoRejected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.callsStarted.WithLabelValues("outgoing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsStarted.WithLabelValues("incoming")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsEnded.WithLabelValues("remote-rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.autoRejected))
}

func TestStateGaugeIsOneHot(t *testing.T) {
	m := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("idle")))

	m.StateChanged("active")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("active")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.CallEnded("local")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `peercall_calls_ended_total{reason="local"} 1`)
	assert.Contains(t, string(body), `peercall_call_state{state="idle"} 1`)
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.TransfersTotal.WithLabelValues("upload", "ok").Inc()
	m.GovernorAdmitted.WithLabelValues("bytes").Add(512)
	m.HTTPRequests.WithLabelValues("GET", "/:key", "200").Inc()
	m.CatalogFiles.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersTotal.WithLabelValues("upload", "ok")))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.GovernorAdmitted.WithLabelValues("bytes")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"castella_transfers_total",
		"castella_governor_admitted_total",
		"castella_http_requests_total",
		"castella_catalog_files",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestDiscard(t *testing.T) {
	// Each call uses its own registry
	a, b := Discard(), Discard()
	a.BytesUploaded.Add(10)
	assert.Zero(t, testutil.ToFloat64(b.BytesUploaded))
}

func TestHandlerFor(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.DrivesCreated.Inc()

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "castella_drives_created_total 1"))
}

func TestRegistryHasRuntimeCollectors(t *testing.T) {
	families, err := Registry.Gather()
	require.NoError(t, err)
	var sawGo bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "go_") {
			sawGo = true
			break
		}
	}
	assert.True(t, sawGo)
}

package obs

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/roles/12":                         "/roles/:id",
		"/roles/12/permissions/7":           "/roles/:id/permissions/:id",
		"/accounts/3/reset-password":        "/accounts/:id/reset-password",
		"/sessions/online":                  "/sessions/online",
		"/sessions/q2x9Zk/terminate":        "/sessions/:id/terminate",
		"/sessions/user/jdoe/terminate-all": "/sessions/user/:id/terminate-all",
		"/audit/search?action=LOGOUT":       "/audit/search",
	}
	for input, expected := range cases {
		assert.Equal(t, expected, CanonicalPath(input), "CanonicalPath(%q)", input)
	}
}

func TestInstrumentCountsRequests(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/roles/:id", "418"))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/roles/9", nil))
	require.Equal(t, http.StatusTeapot, rr.Code)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/roles/:id", "418"))
	assert.Equal(t, before+1, after)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", "json", "hisadmin-test")
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewLogger("loud", "json", "hisadmin-test")
	assert.Error(t, err)
	_, err = NewLogger("info", "xml", "hisadmin-test")
	assert.Error(t, err)
}

func TestSetBuildInfoKeepsOneSeries(t *testing.T) {
	SetBuildInfo("hisadmin-api", "0.1.0", "abc")
	SetBuildInfo("hisadmin-api", "0.1.1", "def")
	assert.Equal(t, 1, testutil.CollectAndCount(buildInfo))
	assert.Equal(t, 1.0, testutil.ToFloat64(buildInfo.WithLabelValues("hisadmin-api", "0.1.1", "def", runtime.Version())))
}

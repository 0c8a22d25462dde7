package pages_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foliosource/bindery/internal/adapter/pages"
	"github.com/foliosource/bindery/internal/urlpolicy"
)

// newSite serves the given path -> HTML map and returns a fetcher whose
// policy is bound to the test server's host.
func newSite(t *testing.T, docs map[string]string) (*httptest.Server, *pages.SiteFetcher, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := docs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	policy, err := urlpolicy.Default(srv.URL, time.Millisecond)
	require.NoError(t, err)
	fetcher := pages.NewSiteFetcher(policy, "bindery-test/1.0", 5*time.Second, time.Millisecond)
	return srv, fetcher, &hits
}

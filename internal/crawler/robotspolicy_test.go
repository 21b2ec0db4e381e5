package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRobotsEnforcer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fetches.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	enforcer := NewRobotsEnforcer(srv.Client(), "test-agent", zap.NewNop())
	require.True(t, enforcer.Allowed(ctx, srv.URL+"/allowed"))
	require.False(t, enforcer.Allowed(ctx, srv.URL+"/blocked"))
	require.False(t, enforcer.Allowed(ctx, srv.URL+"/blocked/deeper?x=1"))
	require.Equal(t, int32(1), fetches.Load(), "rules should be cached per host")
}

func TestRobotsEnforcerRefreshesAfterTTL(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		fmt.Fprintln(w, "User-agent: *\nAllow: /")
	}))
	defer srv.Close()

	now := time.Unix(1000, 0)
	enforcer := NewRobotsEnforcer(srv.Client(), "test-agent", nil)
	enforcer.now = func() time.Time { return now }

	require.True(t, enforcer.Allowed(context.Background(), srv.URL+"/a"))
	now = now.Add(defaultRobotsTTL + time.Second)
	require.True(t, enforcer.Allowed(context.Background(), srv.URL+"/b"))
	require.Equal(t, int32(2), fetches.Load())
}

func TestRobotsEnforcerAllowsWhenUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	enforcer := NewRobotsEnforcer(&http.Client{Timeout: 200 * time.Millisecond}, "test-agent", nil)
	require.True(t, enforcer.Allowed(context.Background(), base+"/anything"))
}

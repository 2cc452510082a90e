package broker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func targetFor(t *testing.T, srv *httptest.Server) Target {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Target{Address: host, Port: p, Username: "guest", Password: "guest"}
}

func TestManagementCheckerHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "guest", user)
		assert.Equal(t, "guest", pass)

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.EscapedPath() {
		case "/api/aliveness-test/%2F":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case "/api/nodes":
			_, _ = w.Write([]byte(`[{"name":"rabbit@a","running":true},{"name":"rabbit@b","running":true}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h, err := NewManagementChecker(Config{}).Check(context.Background(), targetFor(t, srv))
	require.NoError(t, err)
	assert.True(t, h.Healthy())
	assert.Equal(t, []string{"rabbit@a", "rabbit@b"}, h.Nodes)
}

func TestManagementCheckerUnhealthy(t *testing.T) {
	tests := []struct {
		name   string
		alive  string
		nodes  string
		detail string
	}{
		{"aliveness failed", `{"status":"failed","reason":"vhost down"}`, `[]`, "vhost down"},
		{"node stopped", `{"status":"ok"}`, `[{"name":"rabbit@a","running":false}]`, "rabbit@a"},
		{"no nodes", `{"status":"ok"}`, `[]`, "no nodes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				if r.URL.Path == "/api/nodes" {
					_, _ = w.Write([]byte(tt.nodes))
					return
				}
				_, _ = w.Write([]byte(tt.alive))
			}))
			defer srv.Close()

			h, err := NewManagementChecker(Config{}).Check(context.Background(), targetFor(t, srv))
			require.NoError(t, err)
			assert.Equal(t, StatusUnhealthy, h.Status)
			assert.Contains(t, h.Detail, tt.detail)
		})
	}
}

func TestManagementCheckerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := targetFor(t, srv)
	srv.Close()

	_, err := NewManagementChecker(Config{Timeout: time.Second}).Check(context.Background(), target)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestManagementCheckerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewManagementChecker(Config{}).Check(context.Background(), targetFor(t, srv))
	assert.ErrorIs(t, err, ErrUnreachable)
}

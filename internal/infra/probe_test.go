package infra

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeHealth_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	require.NoError(t, probeHealth(context.Background(), "tcp://"+ln.Addr().String()))
	addr := ln.Addr().String()
	ln.Close()
	assert.Error(t, probeHealth(context.Background(), "tcp://"+addr))
}

func TestProbeHealth_HTTP(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer ts.Close()

	require.NoError(t, probeHealth(context.Background(), ts.URL+"/healthz"))

	status.Store(http.StatusNotFound)
	assert.NoError(t, probeHealth(context.Background(), ts.URL+"/healthz"), "only 5xx is unhealthy")

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, probeHealth(context.Background(), ts.URL+"/healthz"))
}

func TestProbeHealth_RejectsUnknownScheme(t *testing.T) {
	err := probeHealth(context.Background(), "unix:///tmp/x.sock")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestProbeRemote(t *testing.T) {
	mcpServer := server.NewMCPServer("remote-echo", "1.0.0")
	ts := server.NewTestStreamableHTTPServer(mcpServer)
	defer ts.Close()

	require.NoError(t, ProbeRemote(context.Background(), ts.URL, 5*time.Second))
}

func TestProbeRemote_NotMCP(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer ts.Close()

	assert.Error(t, ProbeRemote(context.Background(), ts.URL, 2*time.Second))
}

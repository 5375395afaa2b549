package infra

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const probeClientName = "serverhub-probe"

// probeHealth runs one liveness probe against a tcp:// or http(s):// target.
func probeHealth(ctx context.Context, target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("parse health check %q: %w", target, err)
	}

	switch u.Scheme {
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return err
		}
		return conn.Close()
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("health check %s returned %d", target, resp.StatusCode)
		}
		return nil
	default:
		return fmt.Errorf("unsupported health check scheme %q", u.Scheme)
	}
}

// ProbeRemote performs an MCP initialize handshake and a ping against a remote
// streamable HTTP endpoint.
func ProbeRemote(ctx context.Context, endpoint string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mcpClient, err := client.NewStreamableHttpClient(endpoint)
	if err != nil {
		return fmt.Errorf("failed to create StreamableHTTP client: %w", err)
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	_, err = mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    probeClientName,
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	if err := mcpClient.Ping(ctx); err != nil {
		return fmt.Errorf("MCP ping failed: %w", err)
	}
	return nil
}

package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// Client talks to the Docker engine that builds application images and runs
// their containers. A nil Client means container builds are disabled.
type Client struct {
	engine *client.Client
}

// New connects to the engine named by DOCKER_HOST, or to host when set. The
// API version is negotiated on first use.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	engine, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connect docker engine: %w", err)
	}
	return &Client{engine: engine}, nil
}

// Ping checks that the engine answers and can run the linux images the
// pipeline builds.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.engine == nil {
		return ErrUnavailable
	}
	ping, err := c.engine.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker engine %s: %w", c.engine.DaemonHost(), err)
	}
	if ping.OSType != "" && ping.OSType != "linux" {
		return fmt.Errorf("%w: %s engine cannot run application images", ErrUnavailable, ping.OSType)
	}
	return nil
}

// Host reports the engine endpoint in use.
func (c *Client) Host() string {
	if c == nil || c.engine == nil {
		return ""
	}
	return c.engine.DaemonHost()
}

// Close releases the engine connection.
func (c *Client) Close() error {
	if c == nil || c.engine == nil {
		return nil
	}
	return c.engine.Close()
}

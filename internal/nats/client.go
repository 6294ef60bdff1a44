// Package nats manages the JetStream connection backing conversation storage.
package nats

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/classpilot/agent-platform/pkg/logger"
)

// Config holds NATS connection settings. TLS engages only when all
// three certificate paths are set.
type Config struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

func (c Config) tlsConfig() (*tls.Config, error) {
	caCert, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (c Config) options(log *logger.Logger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name("agent-platform"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", "error", err)
		}),
	}
	if c.CAFile != "" && c.CertFile != "" && c.KeyFile != "" {
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts = append(opts, nats.Secure(tlsCfg))
	}
	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	}
	return opts, nil
}

// Client wraps the NATS connection and its JetStream context.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect dials NATS and establishes a JetStream context. Reconnects
// are unbounded; conversation writes buffer through outages.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	opts, err := cfg.options(log)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{conn: nc, js: js}, nil
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Conn returns the underlying NATS connection.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close flushes buffered writes and closes the connection. Pending
// conversation updates are given a bounded window to land.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	_ = c.conn.FlushTimeout(5 * time.Second)
	c.conn.Close()
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

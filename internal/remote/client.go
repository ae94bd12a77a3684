package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RegisterBackoffInitial and RegisterBackoffMax bound the retry schedule
// spec §5 mandates for HQ registration: "bounded retry with exponential
// backoff (100 ms → 30 s cap)".
const (
	RegisterBackoffInitial = 100 * time.Millisecond
	RegisterBackoffMax     = 30 * time.Second

	// DeregisterDeadline bounds the shutdown-time DELETE call (spec §4.M:
	// "signal HQ detach with a bounded (≤ 500 ms) deadline").
	DeregisterDeadline = 500 * time.Millisecond
)

// ClientConfig describes how a remote registers itself with an HQ.
type ClientConfig struct {
	HQURL       string
	ID          string
	DisplayName string
	SelfURL     string
	Token       string
	BasicUser   string
	BasicPass   string
}

// Client is the remote-side HQ registration client (spec §4.I). The same
// id is reused across reconnects so registration is idempotent.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates an HQ registration client for cfg.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}, logger: logger}
}

// Register posts this remote's registration to the HQ, retrying with
// exponential backoff until ctx is canceled or registration succeeds.
// Transport failures are logged, never returned as fatal (spec §4.I:
// "never crash the remote").
func (c *Client) Register(ctx context.Context) error {
	body, err := json.Marshal(registerRequest{
		ID: c.cfg.ID, Name: c.cfg.DisplayName, URL: c.cfg.SelfURL, Token: c.cfg.Token,
	})
	if err != nil {
		return fmt.Errorf("marshal registration payload: %w", err)
	}

	backoff := RegisterBackoffInitial
	for {
		if err := c.attemptRegister(ctx, body); err == nil {
			return nil
		} else if c.logger != nil {
			c.logger.Warn("HQ registration attempt failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > RegisterBackoffMax {
			backoff = RegisterBackoffMax
		}
	}
}

func (c *Client) attemptRegister(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.HQURL+"/api/remotes", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.BasicUser, c.cfg.BasicPass)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("register with HQ: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("HQ registration rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Deregister sends a best-effort DELETE to the HQ within
// DeregisterDeadline, used during shutdown (spec §4.M).
func (c *Client) Deregister(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DeregisterDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.HQURL+"/api/remotes/"+c.cfg.ID, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.BasicUser, c.cfg.BasicPass)

	resp, err := c.http.Do(req)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("HQ deregistration failed", zap.Error(err))
		}
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Package backend talks to the external carpooling API. It owns transport
// concerns only: auth headers, token refresh, error decoding. Booking rules
// live in the reconciler and the backend itself.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/session"
)

const maxErrorBody = 64 << 10

type Client struct {
	baseURL     string
	http        *http.Client
	refreshSkew time.Duration
	log         *zap.Logger
	refreshes   singleflight.Group
}

func NewClient(baseURL string, timeout, refreshSkew time.Duration, log *zap.Logger) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: timeout}, refreshSkew, log)
}

func NewClientWithHTTP(baseURL string, hc *http.Client, refreshSkew time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		http:        hc,
		refreshSkew: refreshSkew,
		log:         log.With(zap.String("component", "backend")),
	}
}

// do sends one logical request. A nil session sends it anonymously. With a
// session, an access token about to expire is refreshed first, and a 401 is
// answered by one refresh and one replay. Nothing else is retried.
func (c *Client) do(ctx context.Context, sess *session.Session, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		payload = b
	}

	refreshed := false
	if sess != nil && sess.RefreshToken() != "" && sess.ExpiresWithin(c.refreshSkew) {
		if err := c.RefreshToken(ctx, sess); err != nil {
			c.log.Warn("proactive token refresh failed", zap.String("op", op), zap.Error(err))
		} else {
			refreshed = true
		}
	}

	for {
		resp, err := c.send(ctx, sess, op, method, path, payload)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized && sess != nil && sess.RefreshToken() != "" && !refreshed {
			drain(resp)
			if rerr := c.RefreshToken(ctx, sess); rerr != nil {
				c.log.Warn("token refresh after 401 failed", zap.String("op", op), zap.Error(rerr))
				return rerr
			}
			refreshed = true
			continue
		}
		return c.decode(resp, out)
	}
}

func (c *Client) send(ctx context.Context, sess *session.Session, op, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sess != nil && sess.AccessToken() != "" {
		req.Header.Set("Authorization", "Bearer "+sess.AccessToken())
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.BackendRequestDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		c.log.Warn("backend request failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
		return nil, &models.APIError{TransportMessage: err.Error(), Err: err}
	}
	observability.BackendRequestDuration.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	c.log.Debug("backend request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func (c *Client) decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		body, _ := models.ParseErrorBody(raw)
		return &models.APIError{
			StatusCode:       resp.StatusCode,
			Body:             body,
			TransportMessage: fmt.Sprintf("request failed with status code %d", resp.StatusCode),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// RefreshToken exchanges the session's refresh token for a new access token.
// Concurrent refreshes of the same token share one backend call.
func (c *Client) RefreshToken(ctx context.Context, sess *session.Session) error {
	rt := sess.RefreshToken()
	if rt == "" {
		return session.ErrNoToken
	}
	v, err, _ := c.refreshes.Do(rt, func() (any, error) {
		resp, err := c.send(ctx, nil, "token_refresh", http.MethodPost, "/api/token/refresh/", mustJSON(refreshRequest{Refresh: rt}))
		if err != nil {
			return nil, err
		}
		var out refreshResponse
		if err := c.decode(resp, &out); err != nil {
			return nil, err
		}
		if out.Access == "" {
			return nil, errors.New("token refresh returned no access token")
		}
		return out, nil
	})
	if err != nil {
		observability.TokenRefreshesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("refresh token: %w", err)
	}
	pair := v.(refreshResponse)
	sess.Update(pair.Access, pair.Refresh)
	observability.TokenRefreshesTotal.WithLabelValues("ok").Inc()
	return nil
}

type verifyRequest struct {
	Token string `json:"token"`
}

// VerifyToken asks the backend to check the access token signature and
// marks the session trusted when it does. A rejected token comes back as a
// 401 APIError.
func (c *Client) VerifyToken(ctx context.Context, sess *session.Session) error {
	tok := sess.AccessToken()
	if tok == "" {
		return session.ErrNoToken
	}
	resp, err := c.send(ctx, nil, "token_verify", http.MethodPost, "/api/token/verify/", mustJSON(verifyRequest{Token: tok}))
	if err != nil {
		return err
	}
	if err := c.decode(resp, nil); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	sess.MarkTrusted()
	return nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

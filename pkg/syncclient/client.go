// Package syncclient talks to the central store's sync endpoints over HTTP.
package syncclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/viewledger/platform/pkg/common/httpclient"
	"github.com/viewledger/platform/pkg/common/logger"
	"github.com/viewledger/platform/pkg/common/models"
)

const apiPrefix = "/api/v1/sync"

type Config struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	TokenURL        string
	Timeout         time.Duration
	Attempts        int
	Backoff         time.Duration
	// BreakerFailures consecutive failed calls open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client implements syncer.Remote. Every call is safe to retry: pushes are merged
// idempotently on the server.
type Client struct {
	baseURL  string
	http     *http.Client
	attempts int
	backoff  time.Duration
	breaker  *gobreaker.CircuitBreaker[struct{}]
}

// StatusError is a non-2xx reply other than 503.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sync server returned %d: %s", e.StatusCode, e.Message)
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid sync base url %q", cfg.BaseURL)
	}

	hc := httpclient.New(cfg.Timeout)
	if cfg.ClientID != "" {
		if cfg.TokenURL == "" {
			return nil, errors.New("sync token url is required with a client id")
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		hc = cc.Client(ctx)
		hc.Timeout = cfg.Timeout
	}

	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		baseURL:  base,
		http:     hc,
		attempts: attempts,
		backoff:  cfg.Backoff,
		breaker:  newBreaker(base, cfg.BreakerFailures, cfg.BreakerCooldown),
	}, nil
}

func newBreaker(name string, failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker[struct{}] {
	if failures == 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client-side rejections say nothing about the server's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !retriable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.WithFields(map[string]interface{}{
				"remote": name,
				"from":   from.String(),
				"to":     to.String(),
			}).Warn("sync remote circuit state changed")
		},
	})
}

func (c *Client) Push(ctx context.Context, records []models.Record) (models.MergeReport, error) {
	var report models.MergeReport
	err := c.do(ctx, http.MethodPost, apiPrefix+"/push", models.RecordBatch{Records: records}, &report)
	return report, err
}

func (c *Client) Pull(ctx context.Context, since time.Time) ([]models.Record, error) {
	var batch models.RecordBatch
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/pull"+sinceQuery(since), nil, &batch); err != nil {
		return nil, err
	}
	return batch.Records, nil
}

func (c *Client) HasChanges(ctx context.Context, since time.Time) (bool, error) {
	var resp models.ChangesResponse
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/changes"+sinceQuery(since), nil, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

func sinceQuery(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	op := method + " " + path
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.attempt(ctx, method, path, payload, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &models.StoreError{Op: op, Err: err}
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	return httpclient.Retry(ctx, c.attempts, c.backoff, retriable, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return &models.StoreError{Op: method + " " + path, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusServiceUnavailable {
			return &models.StoreError{Op: method + " " + path, Err: errors.New(readMessage(resp.Body))}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	})
}

func retriable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return errors.Is(err, models.ErrStoreUnavailable) || httpclient.IsRetriable(err)
}

func readMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var er models.ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(data))
}

// Package rest sends commands to the platform's HTTP API without tripping
// its rate limits. Every request is routed to a Bucket keyed by method and
// path; a Limiter drains each bucket in order and applies the limits the
// server reports back.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNoToken = errors.New("rest: empty token")

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:   "https://discord.com/api/v10",
		UserAgent: "DiscordBot (https://github.com/yonatandev1/cordkit, 1.0)",
		Timeout:   30 * time.Second,
		Logger:    zap.NewNop(),
	}
}

type ClientConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// Doer overrides the default net/http transport.
	Doer        Doer
	Logger      *zap.Logger
	LimiterOpts []LimiterConfigOpt
}

type ClientConfigOpt func(config *ClientConfig)

func (c *ClientConfig) Apply(opts []ClientConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithBaseURL(url string) ClientConfigOpt {
	return func(config *ClientConfig) {
		config.BaseURL = url
	}
}

func WithUserAgent(ua string) ClientConfigOpt {
	return func(config *ClientConfig) {
		config.UserAgent = ua
	}
}

func WithTimeout(d time.Duration) ClientConfigOpt {
	return func(config *ClientConfig) {
		config.Timeout = d
	}
}

func WithDoer(doer Doer) ClientConfigOpt {
	return func(config *ClientConfig) {
		config.Doer = doer
	}
}

func WithLogger(lg *zap.Logger) ClientConfigOpt {
	return func(config *ClientConfig) {
		config.Logger = lg
	}
}

func WithLimiterOpts(opts ...LimiterConfigOpt) ClientConfigOpt {
	return func(config *ClientConfig) {
		config.LimiterOpts = append(config.LimiterOpts, opts...)
	}
}

// Client turns logical commands into HTTP requests and submits them to its
// own Limiter.
type Client struct {
	limiter   *Limiter
	token     atomic.Pointer[string]
	userAgent string
	log       *zap.Logger
}

func NewClient(token string, opts ...ClientConfigOpt) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNoToken
	}

	config := DefaultClientConfig()
	config.Apply(opts)
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	doer := config.Doer
	if doer == nil {
		doer = NewHTTPDoer(config.BaseURL, NewHTTPClient(config.Timeout))
	}

	c := &Client{
		userAgent: config.UserAgent,
		log:       config.Logger,
	}
	c.SetToken(token)

	limiterOpts := append([]LimiterConfigOpt{WithLimiterLogger(config.Logger)}, config.LimiterOpts...)
	c.limiter = NewLimiter(&signedDoer{next: doer, client: c}, limiterOpts...)
	return c, nil
}

// SetToken swaps the credentials used for requests sent from now on.
func (c *Client) SetToken(token string) {
	token = strings.TrimSpace(token)
	c.token.Store(&token)
}

func (c *Client) authorization() string {
	token := *c.token.Load()
	if strings.HasPrefix(token, "Bot ") || strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bot " + token
}

func (c *Client) Limiter() *Limiter {
	return c.limiter
}

// Submit encodes body and queues the command. body may be nil, a []byte
// sent as is, or any value encoded as JSON. It never blocks.
func (c *Client) Submit(ctx context.Context, method, path string, body any, opts ...CommandOpt) *Future {
	data, err := encodeBody(body)
	cmd := NewCommand(ctx, method, path, data, opts...)
	if err != nil {
		cmd.finish(nil, err)
		return cmd.future
	}
	if data != nil && cmd.Header.Get("Content-Type") == "" {
		cmd.Header.Set("Content-Type", "application/json")
	}
	return c.limiter.Submit(cmd)
}

// Do submits a command, waits for it and decodes a successful response
// into out when out is not nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...CommandOpt) error {
	resp, err := c.Submit(ctx, method, path, body, opts...).Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("rest: decode %s %s: %w", method, path, err)
	}
	return nil
}

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Total          int `json:"total"`
		Remaining      int `json:"remaining"`
		ResetAfter     int `json:"reset_after"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// GatewayBot asks for the gateway URL, the recommended shard count and the
// identify limits for this token.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	var gb GatewayBot
	if err := c.Do(ctx, http.MethodGet, "/gateway/bot", nil, &gb); err != nil {
		return nil, err
	}
	return &gb, nil
}

// Close resolves every queued command with ErrCanceled and stops the
// limiter.
func (c *Client) Close() {
	c.limiter.Close()
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("rest: encode body: %w", err)
		}
		return data, nil
	}
}

// signedDoer adds the headers that depend on client state at send time, so
// a token swap applies to commands already queued.
type signedDoer struct {
	next   Doer
	client *Client
}

func (d *signedDoer) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Authorization", d.client.authorization())
	if d.client.userAgent != "" {
		req.Header.Set("User-Agent", d.client.userAgent)
	}
	return d.next.Do(ctx, req)
}

package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// Request is what the limiter hands to a Doer. Path is relative to the
// Doer's base URL.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer performs one HTTP exchange. Non-2xx statuses are not errors at this
// level; only failures to get a response are.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// NewHTTPClient returns a net/http client tuned for many requests to one
// host.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 1000,
			ForceAttemptHTTP2:   true,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: timeout,
	}
}

type httpDoer struct {
	client  *http.Client
	baseURL string
}

// NewHTTPDoer sends requests with net/http. A nil client gets NewHTTPClient
// with a 30s timeout.
func NewHTTPDoer(baseURL string, client *http.Client) Doer {
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	return &httpDoer{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (d *httpDoer) Do(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, d.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("rest: build request: %w", err)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = v
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("rest: read body: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

type fastDoer struct {
	client  *fasthttp.Client
	baseURL string
	timeout time.Duration
}

// NewFastHTTPDoer sends requests with fasthttp. fasthttp has no context
// support, so ctx only contributes its deadline and is checked before the
// request is made.
func NewFastHTTPDoer(baseURL string, client *fasthttp.Client, timeout time.Duration) Doer {
	if client == nil {
		client = &fasthttp.Client{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &fastDoer{client: client, baseURL: strings.TrimRight(baseURL, "/"), timeout: timeout}
}

func (d *fastDoer) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fastReq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(fastReq)
	fastResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(fastResp)

	fastReq.Header.SetMethod(req.Method)
	fastReq.SetRequestURI(d.baseURL + req.Path)
	for k, values := range req.Header {
		for _, v := range values {
			fastReq.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		fastReq.SetBody(req.Body)
	}

	deadline := time.Now().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := d.client.DoDeadline(fastReq, fastResp, deadline); err != nil {
		return nil, err
	}

	header := http.Header{}
	fastResp.Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return &Response{
		StatusCode: fastResp.StatusCode(),
		Header:     header,
		Body:       append([]byte(nil), fastResp.Body()...),
	}, nil
}

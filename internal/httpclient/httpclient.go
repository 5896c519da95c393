// Package httpclient provides a keep-alive HTTP/1.1 client with header/query
// helpers and explicit redaction of named headers for logging. It is the
// substrate the S3 storage driver signs and sends requests through.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/pgbackup/internal/uri"
)

// Config configures a Client's underlying transport.
type Config struct {
	// ReadTimeout bounds how long a single request waits for a response.
	ReadTimeout time.Duration
	// WriteTimeout is not applied by New: no separate limit is placed on
	// writing the request body beyond the ReadTimeout bound on the whole
	// request.
	WriteTimeout time.Duration
	// MaxIdleConns controls keep-alive connection reuse.
	MaxIdleConns int
	// RedactHeaders lists header names whose values are replaced with
	// "<redacted>" when a Request/Response is formatted for logging.
	RedactHeaders []string
	// Scheme overrides the URL scheme used to reach Request.Host; defaults
	// to "https". Tests point this at a plain-HTTP httptest.Server.
	Scheme string
}

// Client is a thin, keep-alive-aware wrapper around net/http.Client tuned
// for the small number of long-lived hosts (S3 endpoints, protocol remote
// peers over HTTP) this engine talks to.
type Client struct {
	hc      *http.Client
	redact  map[string]bool
	timeout time.Duration
	scheme  string
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 4
	}
	transport := &http.Transport{
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}
	redact := make(map[string]bool, len(cfg.RedactHeaders))
	for _, h := range cfg.RedactHeaders {
		redact[strings.ToLower(h)] = true
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return &Client{
		hc:      &http.Client{Transport: transport, Timeout: timeout},
		redact:  redact,
		timeout: timeout,
		scheme:  scheme,
	}
}

// Request is the request this client can send. Query is rendered with
// ascending-key ordering when the request is signed (see
// internal/storage/s3), which is why it is an *uri.Query and not a map.
type Request struct {
	Verb    string
	Host    string
	Path    string
	Headers http.Header
	Query   *uri.Query
	// Body is the request body, mutually exclusive with BodyStream. Small
	// requests (PUT of a known-size object, API calls) buffer here.
	Body []byte
	// BodyStream is used for large uploads where buffering the whole
	// object in memory is undesirable; Content-Length must still be set.
	BodyStream io.Reader
}

// Response is the result of a sent Request.
type Response struct {
	StatusCode int
	Headers    http.Header
	// Body is populated for buffered reads (the common case).
	Body []byte
	// Stream is set instead of Body when the caller asked for a lazy
	// response; it holds the connection exclusively until Close is called.
	Stream io.ReadCloser
}

// Close releases a streaming response's connection. Safe to call on a
// buffered response (no-op).
func (r *Response) Close() error {
	if r.Stream != nil {
		return r.Stream.Close()
	}
	return nil
}

// Do sends req and returns the response. When stream is true the response
// body is not buffered; the caller must call Response.Close.
func (c *Client) Do(ctx context.Context, req *Request, stream bool) (*Response, error) {
	u := fmt.Sprintf("%s://%s%s", c.scheme, req.Host, req.Path)
	if req.Query != nil && req.Query.Len() > 0 {
		u += "?" + req.Query.Render()
	}

	var body io.Reader
	switch {
	case req.BodyStream != nil:
		body = req.BodyStream
	case req.Body != nil:
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Verb, u, body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpclient: %s %s: %w", req.Verb, req.Path, err)
	}

	out := &Response{StatusCode: resp.StatusCode, Headers: resp.Header}
	if stream {
		out.Stream = resp.Body
		return out, nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read body of %s %s: %w", req.Verb, req.Path, err)
	}
	out.Body = data
	return out, nil
}

// Redacted renders headers for logging, replacing any header named in the
// client's RedactHeaders list with "<redacted>".
func (c *Client) Redacted(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		v := strings.Join(h[k], ",")
		if c.redact[strings.ToLower(k)] {
			v = "<redacted>"
		}
		fmt.Fprintf(&b, "%s=%s", k, v)
	}
	return b.String()
}

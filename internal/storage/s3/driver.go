// Package s3 implements the storage.Driver interface against an
// S3-compatible endpoint: SigV4-signed requests, paginated (optionally
// versioned) listing, batch delete with single-key retry, and single-PUT
// or multipart writes.
package s3

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/pgbackup/internal/errkind"
	"github.com/cuemby/pgbackup/internal/httpclient"
	"github.com/cuemby/pgbackup/internal/storage"
	"github.com/cuemby/pgbackup/internal/uri"
)

// UriStyle selects how the bucket is addressed.
type UriStyle int

const (
	// HostStyle addresses the bucket as "{bucket}.{endpoint}".
	HostStyle UriStyle = iota
	// PathStyle addresses the bucket as "{endpoint}/{bucket}".
	PathStyle
)

// Config configures a Driver instance.
type Config struct {
	Bucket   string
	Endpoint string
	Region   string
	Style    UriStyle

	Provider Provider

	// PartSize is the multipart threshold/chunk size in bytes; objects at
	// or above this size are uploaded via multipart.
	PartSize int64

	SSEKMSKeyID   string
	SSECKey       []byte
	Tags          map[string]string
	RequesterPays bool

	VerifyPeer bool

	Timeout time.Duration

	// Scheme overrides the request scheme (defaults to "https"); tests
	// point it at a plain-HTTP httptest.Server.
	Scheme string
}

// Driver is an S3-compatible storage.Driver.
type Driver struct {
	cfg    Config
	hc     *httpclient.Client
	signer *signer
}

// New builds a Driver. Each worker process that needs S3 access creates
// its own Driver (and therefore its own signer/signing-key cache) — see
// spec.md §5 shared-resource policy.
func New(cfg Config) *Driver {
	if cfg.PartSize <= 0 {
		cfg.PartSize = 16 * 1024 * 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Driver{
		cfg: cfg,
		hc: httpclient.New(httpclient.Config{
			ReadTimeout:   timeout,
			RedactHeaders: []string{"authorization", "x-amz-security-token"},
			Scheme:        cfg.Scheme,
		}),
		signer: newSigner(cfg.Region, cfg.Provider),
	}
}

// host returns the Host header value and path prefix for the configured
// URI style.
func (d *Driver) host() string {
	if d.cfg.Style == PathStyle {
		return d.cfg.Endpoint
	}
	return d.cfg.Bucket + "." + d.cfg.Endpoint
}

func (d *Driver) objectPath(key string) string {
	key = strings.TrimPrefix(key, "/")
	if d.cfg.Style == PathStyle {
		return "/" + d.cfg.Bucket + "/" + uri.Encode(key, uri.ModePath)
	}
	return "/" + uri.Encode(key, uri.ModePath)
}

// do signs and sends an HTTP request against this bucket's endpoint.
func (d *Driver) do(ctx context.Context, verb, path string, query *uri.Query, body []byte, extraHeaders http.Header, stream bool) (*httpclient.Response, error) {
	if query == nil {
		query = uri.NewQuery()
	}
	headers := http.Header{}
	for k, vs := range extraHeaders {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	host := d.host()

	sreq := &signedRequest{Verb: verb, Path: path, Query: query, Headers: headers, Payload: body}
	if err := d.signer.sign(ctx, sreq, host); err != nil {
		return nil, err
	}

	req := &httpclient.Request{
		Verb:    verb,
		Host:    host,
		Path:    path,
		Headers: headers,
		Query:   query,
	}
	if body != nil {
		req.Body = body
	}

	resp, err := d.hc.Do(ctx, req, stream)
	if err != nil {
		return nil, err
	}
	if !stream && resp.StatusCode >= 300 && !(resp.StatusCode == 404) {
		return nil, s3Error(verb, path, resp.StatusCode, resp.Body)
	}
	return resp, nil
}

func s3Error(verb, path string, status int, body []byte) error {
	const maxBody = 2048
	b := body
	if len(b) > maxBody {
		b = b[:maxBody]
	}
	var xerr xmlError
	if xml.Unmarshal(body, &xerr) == nil && xerr.Code != "" {
		return errkind.New(errkind.AccessError, fmt.Sprintf("%s %s", verb, path),
			fmt.Errorf("status %d: %s: %s", status, xerr.Code, xerr.Message))
	}
	return errkind.New(errkind.AccessError, fmt.Sprintf("%s %s", verb, path),
		fmt.Errorf("status %d: %s", status, b))
}

// Info implements storage.Driver via HEAD.
func (d *Driver) Info(ctx context.Context, path string, level storage.Level) (*storage.Info, error) {
	resp, err := d.do(ctx, http.MethodHead, d.objectPath(path), nil, nil, nil, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return &storage.Info{Exists: false}, nil
	}
	info := &storage.Info{Exists: true, Type: storage.EntryFile}
	if level == storage.LevelBasic || level == storage.LevelDetail {
		if cl := resp.Headers.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				info.Size = n
			}
		}
		if lm := resp.Headers.Get("Last-Modified"); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				info.Timestamp = t
			}
		}
	}
	return info, nil
}

// NewRead implements storage.Driver via a ranged GET.
func (d *Driver) NewRead(ctx context.Context, path string, opts storage.ReadOptions) (io.ReadCloser, error) {
	headers := http.Header{}
	if opts.Offset > 0 || opts.Limit > 0 {
		end := ""
		if opts.Limit > 0 {
			end = strconv.FormatInt(opts.Offset+opts.Limit-1, 10)
		}
		headers.Set("Range", fmt.Sprintf("bytes=%d-%s", opts.Offset, end))
	}
	query := uri.NewQuery()
	if opts.VersionID != "" {
		query.Put("versionId", opts.VersionID)
	}
	resp, err := d.do(ctx, http.MethodGet, d.objectPath(path), query, nil, headers, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Close()
		return nil, errkind.New(errkind.FileMissingError, path, fmt.Errorf("not found"))
	}
	return resp.Stream, nil
}

// NewWrite implements storage.Driver: buffered single-PUT for objects the
// caller writes in one Close, multipart for anything that crosses
// PartSize (see multipart.go).
func (d *Driver) NewWrite(ctx context.Context, path string, opts storage.WriteOptions) (io.WriteCloser, error) {
	return newUploadWriter(ctx, d, path, opts), nil
}

func (d *Driver) writeHeaders(opts storage.WriteOptions, contentMD5 []byte) http.Header {
	h := http.Header{}
	if opts.SSEKMSKeyID != "" {
		h.Set("x-amz-server-side-encryption", "aws:kms")
		h.Set("x-amz-server-side-encryption-aws-kms-key-id", opts.SSEKMSKeyID)
	}
	if len(opts.SSECKey) > 0 {
		h.Set("x-amz-server-side-encryption-customer-algorithm", "AES256")
		h.Set("x-amz-server-side-encryption-customer-key", base64.StdEncoding.EncodeToString(opts.SSECKey))
	}
	if len(opts.Tags) > 0 {
		q := uri.NewQuery()
		for k, v := range opts.Tags {
			q.Put(k, v)
		}
		h.Set("x-amz-tagging", q.Render())
	}
	if opts.RequesterPays {
		h.Set("x-amz-request-payer", "requester")
	}
	if contentMD5 != nil {
		h.Set("content-md5", base64.StdEncoding.EncodeToString(contentMD5))
	}
	return h
}

// putObject performs a single-PUT write of body.
func (d *Driver) putObject(ctx context.Context, path string, body []byte, opts storage.WriteOptions) error {
	var md5sum []byte
	if opts.ContentMD5 {
		md5sum = md5Sum(body)
	}
	headers := d.writeHeaders(opts, md5sum)
	_, err := d.do(ctx, http.MethodPut, d.objectPath(path), nil, body, headers, false)
	return err
}

// Remove implements storage.Driver.
func (d *Driver) Remove(ctx context.Context, path string, errorOnMissing bool) error {
	resp, err := d.do(ctx, http.MethodDelete, d.objectPath(path), nil, nil, nil, false)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound && errorOnMissing {
		return errkind.New(errkind.FileMissingError, path, fmt.Errorf("not found"))
	}
	return nil
}

// xmlError is the shape of an S3 <Error> response body.
type xmlError struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

// Features implements storage.Driver.
func (d *Driver) Features() storage.FeatureSet {
	return storage.FeatureSet(storage.FeatureVersioning | storage.FeatureMultipart | storage.FeaturePathRemove)
}

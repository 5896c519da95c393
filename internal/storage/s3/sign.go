package s3

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/pgbackup/internal/uri"
)

// excludedFromSigning are never part of SignedHeaders, per spec.md §4.3.
var excludedFromSigning = map[string]bool{
	"authorization":  true,
	"content-length": true,
}

// signer computes AWS SigV4 signatures and caches the daily signing key
// for the current UTC date. It is process-local and unsynchronized: each
// worker that talks to S3 instantiates its own (see spec.md §5).
type signer struct {
	region   string
	service  string // always "s3"
	provider Provider

	keyDate   string // "YYYYMMDD" the cached key was derived for; "" means none cached
	key       []byte
	keySecret string // secret key the cached key was derived from
}

func newSigner(region string, provider Provider) *signer {
	return &signer{region: region, service: "s3", provider: provider}
}

func (s *signer) signingKey(now time.Time, secretKey string) []byte {
	date := now.UTC().Format("20060102")
	if s.keyDate == date && s.key != nil {
		return s.key
	}
	kDate := hmacSHA256([]byte("AWS4"+secretKey), []byte(date))
	kRegion := hmacSHA256(kDate, []byte(s.region))
	kService := hmacSHA256(kRegion, []byte(s.service))
	kSigning := hmacSHA256(kService, []byte("aws4_request"))
	s.keyDate = date
	s.key = kSigning
	return kSigning
}

// invalidate forces signingKey to recompute on the next call, used after a
// credential refresh since the new secret key would stale-hit the cache.
func (s *signer) invalidate() {
	s.keyDate = ""
	s.key = nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// signedRequest is the minimal shape sign() needs; it is deliberately
// decoupled from httpclient.Request so the signer has no import-cycle
// dependency on the HTTP layer.
type signedRequest struct {
	Verb    string
	Path    string
	Query   *uri.Query
	Headers http.Header
	Payload []byte
}

// sign computes the canonical request, string-to-sign, and signature, then
// injects Authorization, x-amz-date, x-amz-content-sha256, and (if
// present) x-amz-security-token into req.Headers.
func (s *signer) sign(ctx context.Context, req *signedRequest, host string) error {
	creds, err := s.provider.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("s3: refresh credentials: %w", err)
	}
	if creds.SecretKey != s.keySecret {
		s.invalidate()
		s.keySecret = creds.SecretKey
	}

	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	payloadHash := sha256Hex(req.Payload)

	req.Headers.Set("host", host)
	req.Headers.Set("x-amz-date", amzDate)
	req.Headers.Set("x-amz-content-sha256", payloadHash)
	if creds.SessionToken != "" {
		req.Headers.Set("x-amz-security-token", creds.SessionToken)
	}

	signedHeaderNames, canonicalHeaders := canonicalizeHeaders(req.Headers)

	query := ""
	if req.Query != nil {
		query = req.Query.Render()
	}

	canonicalRequest := strings.Join([]string{
		req.Verb,
		req.Path,
		query,
		canonicalHeaders,
		signedHeaderNames,
		payloadHash,
	}, "\n")

	scope := fmt.Sprintf("%s/%s/%s/aws4_request", now.Format("20060102"), s.region, s.service)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	key := s.signingKey(now, creds.SecretKey)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	auth := fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		creds.AccessKey, scope, signedHeaderNames, signature)
	req.Headers.Set("authorization", auth)
	return nil
}

// canonicalizeHeaders returns the semicolon-joined, ascending-sorted
// signed-header names and the newline-joined "name:value\n" canonical
// header block, excluding authorization/content-length.
func canonicalizeHeaders(h http.Header) (signedHeaderNames string, canonicalHeaders string) {
	names := make([]string, 0, len(h))
	for k := range h {
		lk := strings.ToLower(k)
		if excludedFromSigning[lk] {
			continue
		}
		names = append(names, lk)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		values := h.Values(http.CanonicalHeaderKey(name))
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.TrimSpace(v)
		}
		fmt.Fprintf(&b, "%s:%s\n", name, strings.Join(trimmed, ","))
	}
	return strings.Join(names, ";"), b.String()
}

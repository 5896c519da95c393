package s3

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Credentials is a (possibly temporary) set of AWS access credentials.
type Credentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	Expiration   time.Time // zero means "does not expire" (Shared mode)
}

// expired reports whether the credentials should be refreshed: they are
// refreshed once the cached expiration is strictly within 5 minutes of
// now — exactly 5 minutes out does not yet refresh.
func (c Credentials) expired(now time.Time) bool {
	if c.Expiration.IsZero() {
		return false
	}
	return now.After(c.Expiration.Add(-5 * time.Minute))
}

// Provider supplies Credentials, refreshing them as needed.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// SharedProvider returns a fixed, non-expiring set of credentials.
type SharedProvider struct {
	Creds Credentials
}

// Credentials implements Provider.
func (p SharedProvider) Credentials(context.Context) (Credentials, error) {
	return p.Creds, nil
}

// cachingProvider wraps an underlying Provider (Auto or WebId) with the
// shared 5-minutes-before-expiry refresh policy.
type cachingProvider struct {
	fetch  func(ctx context.Context) (Credentials, error)
	cached Credentials
	now    func() time.Time
}

func (p *cachingProvider) Credentials(ctx context.Context) (Credentials, error) {
	now := p.now
	if now == nil {
		now = time.Now
	}
	if p.cached.AccessKey == "" || p.cached.expired(now()) {
		fresh, err := p.fetch(ctx)
		if err != nil {
			return Credentials{}, err
		}
		p.cached = fresh
	}
	return p.cached, nil
}

const imdsBase = "http://169.254.169.254"

// AutoProviderConfig configures EC2 instance-metadata credential discovery.
type AutoProviderConfig struct {
	Role    string // if empty, discovered from the metadata service
	Timeout time.Duration
}

// NewAutoProvider returns a Provider that fetches credentials from EC2
// instance metadata, preferring IMDSv2 (session-token protected) and
// silently falling back to IMDSv1 if the token request fails.
func NewAutoProvider(cfg AutoProviderConfig) Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	role := cfg.Role
	return &cachingProvider{fetch: func(ctx context.Context) (Credentials, error) {
		token := imdsv2Token(ctx, hc, timeout)

		r := role
		if r == "" {
			var err error
			r, err = imdsGet(ctx, hc, token, "/latest/meta-data/iam/security-credentials/")
			if err != nil {
				return Credentials{}, fmt.Errorf("s3: imds role discovery: %w", err)
			}
			r = strings.TrimSpace(r)
		}

		body, err := imdsGet(ctx, hc, token, "/latest/meta-data/iam/security-credentials/"+r)
		if err != nil {
			return Credentials{}, fmt.Errorf("s3: imds role not found: %w", err)
		}

		var doc struct {
			Code            string
			AccessKeyID     string
			SecretAccessKey string
			Token           string
			Expiration      time.Time
		}
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return Credentials{}, fmt.Errorf("s3: imds credential response: %w", err)
		}
		if doc.Code != "Success" {
			return Credentials{}, fmt.Errorf("s3: imds credential fetch returned code %q", doc.Code)
		}
		return Credentials{
			AccessKey:    doc.AccessKeyID,
			SecretKey:    doc.SecretAccessKey,
			SessionToken: doc.Token,
			Expiration:   doc.Expiration,
		}, nil
	}}
}

// imdsv2Token fetches a session token. Per spec, TTL is roughly 3x the
// driver's protocol timeout; if the request fails for any reason
// (timeout, 404 on a v1-only instance) it silently returns "", so the
// caller falls back to the unauthenticated IMDSv1 surface.
func imdsv2Token(ctx context.Context, hc *http.Client, timeout time.Duration) string {
	ttl := int(timeout.Seconds() * 3)
	if ttl < 1 {
		ttl = 21600
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, imdsBase+"/latest/api/token", nil)
	if err != nil {
		return ""
	}
	req.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", fmt.Sprintf("%d", ttl))
	resp, err := hc.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}

func imdsGet(ctx context.Context, hc *http.Client, token, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imdsBase+path, nil)
	if err != nil {
		return "", err
	}
	if token != "" {
		req.Header.Set("X-aws-ec2-metadata-token", token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("role not found")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("imds request %s failed: status %d", path, resp.StatusCode)
	}
	return string(body), nil
}

// WebIdProviderConfig configures AssumeRoleWithWebIdentity-based discovery.
type WebIdProviderConfig struct {
	STSEndpoint     string
	RoleARN         string
	RoleSessionName string
	TokenFilePath   string // read fresh on every refresh
	Timeout         time.Duration
}

// NewWebIdProvider returns a Provider that exchanges a web identity token
// (read fresh from disk on every refresh) for STS credentials via
// AssumeRoleWithWebIdentity.
func NewWebIdProvider(cfg WebIdProviderConfig) Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	return &cachingProvider{fetch: func(ctx context.Context) (Credentials, error) {
		tokenBytes, err := os.ReadFile(cfg.TokenFilePath)
		if err != nil {
			return Credentials{}, fmt.Errorf("s3: read web identity token: %w", err)
		}
		token := strings.TrimSpace(string(tokenBytes))

		form := url.Values{
			"Action":          {"AssumeRoleWithWebIdentity"},
			"Version":         {"2011-06-15"},
			"RoleArn":         {cfg.RoleARN},
			"RoleSessionName": {cfg.RoleSessionName},
			"WebIdentityToken": {token},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.STSEndpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return Credentials{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := hc.Do(req)
		if err != nil {
			return Credentials{}, fmt.Errorf("s3: sts request: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Credentials{}, err
		}
		if resp.StatusCode != http.StatusOK {
			return Credentials{}, fmt.Errorf("s3: sts request failed: status %d: %s", resp.StatusCode, body)
		}

		var doc struct {
			XMLName xml.Name `xml:"AssumeRoleWithWebIdentityResponse"`
			Result  struct {
				Credentials struct {
					AccessKeyId     string
					SecretAccessKey string
					SessionToken    string
					Expiration      time.Time
				}
			} `xml:"AssumeRoleWithWebIdentityResult"`
		}
		if err := xml.Unmarshal(body, &doc); err != nil {
			return Credentials{}, fmt.Errorf("s3: parse sts response: %w", err)
		}
		creds := doc.Result.Credentials
		return Credentials{
			AccessKey:    creds.AccessKeyId,
			SecretKey:    creds.SecretAccessKey,
			SessionToken: creds.SessionToken,
			Expiration:   creds.Expiration,
		}, nil
	}}
}

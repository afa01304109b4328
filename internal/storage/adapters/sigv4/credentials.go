package sigv4

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

var ErrNoCredentials = errors.New("no AWS credentials available")

// refreshWindow is how long before expiry temporary credentials are renewed.
const refreshWindow = 2 * time.Minute

type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

func (c Credentials) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires.Add(-refreshWindow))
}

type CredentialsProvider interface {
	Retrieve(ctx context.Context) (Credentials, error)
}

type ResolverConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	WebIdentityFile string
	RoleARN         string
	STSEndpoint     string
	HTTPClient      *http.Client
}

// Resolver returns static credentials when configured, otherwise exchanges a
// web identity token with STS and caches the result until shortly before it
// expires.
type Resolver struct {
	cfg    ResolverConfig
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	cached *Credentials
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.STSEndpoint == "" {
		cfg.STSEndpoint = "https://sts.amazonaws.com/"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Resolver{cfg: cfg, client: client, now: time.Now}
}

func (r *Resolver) Retrieve(ctx context.Context) (Credentials, error) {
	if r.cfg.AccessKeyID != "" && r.cfg.SecretAccessKey != "" {
		return Credentials{
			AccessKeyID:     r.cfg.AccessKeyID,
			SecretAccessKey: r.cfg.SecretAccessKey,
			SessionToken:    r.cfg.SessionToken,
		}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && !r.cached.expired(r.now()) {
		return *r.cached, nil
	}

	if r.cfg.WebIdentityFile == "" || r.cfg.RoleARN == "" {
		return Credentials{}, ErrNoCredentials
	}

	creds, err := r.assumeRoleWithWebIdentity(ctx)
	if err != nil {
		return Credentials{}, err
	}
	r.cached = &creds
	return creds, nil
}

type assumeRoleResponse struct {
	Result struct {
		Credentials struct {
			AccessKeyID     string `xml:"AccessKeyId"`
			SecretAccessKey string `xml:"SecretAccessKey"`
			SessionToken    string `xml:"SessionToken"`
			Expiration      string `xml:"Expiration"`
		} `xml:"Credentials"`
	} `xml:"AssumeRoleWithWebIdentityResult"`
}

func (r *Resolver) assumeRoleWithWebIdentity(ctx context.Context) (Credentials, error) {
	token, err := os.ReadFile(r.cfg.WebIdentityFile)
	if err != nil {
		return Credentials{}, fmt.Errorf("read web identity token: %w", err)
	}

	form := url.Values{
		"Action":           {"AssumeRoleWithWebIdentity"},
		"RoleArn":          {r.cfg.RoleARN},
		"RoleSessionName":  {fmt.Sprintf("template-gallery-%d", r.now().UnixMilli())},
		"Version":          {"2011-06-15"},
		"WebIdentityToken": {strings.TrimSpace(string(token))},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.STSEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, fmt.Errorf("build sts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	resp, err := r.client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("sts request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credentials{}, fmt.Errorf("read sts response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("sts returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed assumeRoleResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return Credentials{}, fmt.Errorf("parse sts response: %w", err)
	}

	c := parsed.Result.Credentials
	if c.AccessKeyID == "" || c.SecretAccessKey == "" || c.SessionToken == "" {
		return Credentials{}, errors.New("sts response did not contain credentials")
	}

	creds := Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
	}
	if c.Expiration != "" {
		expires, err := time.Parse(time.RFC3339, c.Expiration)
		if err != nil {
			return Credentials{}, fmt.Errorf("parse sts expiration: %w", err)
		}
		creds.Expires = expires
	}
	return creds, nil
}

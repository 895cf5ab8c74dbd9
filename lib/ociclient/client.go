// Package ociclient speaks the minimal slice of the OCI Distribution
// Spec v2 this transfer engine needs: token auth, manifest GET/PUT,
// and blob HEAD/POST/PUT. It sidesteps go-containerregistry's
// pkg/v1/remote image abstraction so the manifest bytes PUT to the
// registry are exactly the bytes this engine serialised (invariant
// I4), and talks plain net/http instead.
package ociclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/trycua/lume/lib/errs"
	"github.com/trycua/lume/lib/image"
)

// Config configures the HTTP client's transport and retry behaviour.
type Config struct {
	// Host is the registry host, e.g. "ghcr.io".
	Host string
	// RequestTimeout bounds a single HTTP round trip. Minimum 60s per
	// spec.md §4.F.
	RequestTimeout time.Duration
	// ResourceTimeout bounds an entire blob transfer across retries.
	// Minimum 3600s per spec.md §4.F.
	ResourceTimeout time.Duration
	// MaxConnsPerHost bounds concurrent connections to the registry.
	MaxConnsPerHost int
	// MaxAttempts is the retry ceiling for blob GET (spec.md §4.F: 5).
	// Blob PUT is attempted once.
	MaxAttempts int
	// Insecure allows plain HTTP, for local registry testing.
	Insecure bool
}

// DefaultConfig returns the spec-mandated floors.
func DefaultConfig(host string) Config {
	return Config{
		Host:            host,
		RequestTimeout:  60 * time.Second,
		ResourceTimeout: 3600 * time.Second,
		MaxConnsPerHost: 8,
		MaxAttempts:     5,
	}
}

// Client performs OCI Distribution Spec v2 HTTP operations against a
// single registry host.
type Client struct {
	cfg        Config
	httpClient *http.Client
	scheme     string
	metrics    *Metrics
}

// SetMetrics attaches OTel instruments; nil disables recording.
func (c *Client) SetMetrics(m *Metrics) { c.metrics = m }

// New builds a Client for cfg.Host.
func New(cfg Config) *Client {
	scheme := "https"
	if cfg.Insecure {
		scheme = "http"
	}
	transport := &http.Transport{
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg:    cfg,
		scheme: scheme,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
	}
}

// Token authenticates against /token and returns a bearer token for
// the given scope ("repository:<org>/<name>:pull" or "...:pull,push").
// Credentials come from GITHUB_USERNAME/GHCR_USERNAME and
// GITHUB_TOKEN/GHCR_TOKEN; GHCR_* takes precedence when both are set.
func (c *Client) Token(ctx context.Context, scope string) (string, error) {
	u := fmt.Sprintf("%s://%s/token?scope=%s&service=%s", c.scheme, c.cfg.Host, scope, c.cfg.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}

	if username, password, ok := credentials(); ok {
		req.SetBasicAuth(username, password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &errs.AuthenticationFailed{Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &errs.AuthenticationFailed{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &errs.AuthenticationFailed{Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var parsed struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &errs.AuthenticationFailed{Reason: "malformed token response"}
	}
	if parsed.Token != "" {
		return parsed.Token, nil
	}
	if parsed.AccessToken != "" {
		return parsed.AccessToken, nil
	}
	return "", &errs.MissingToken{}
}

func credentials() (username, password string, ok bool) {
	username = firstNonEmpty(os.Getenv("GHCR_USERNAME"), os.Getenv("GITHUB_USERNAME"))
	password = firstNonEmpty(os.Getenv("GHCR_TOKEN"), os.Getenv("GITHUB_TOKEN"))
	if username == "" || password == "" {
		return "", "", false
	}
	return username, password, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ManifestResult carries a fetched manifest plus the registry-assigned
// manifestId (from Docker-Content-Digest) that becomes the cache key.
type ManifestResult struct {
	Manifest   image.Manifest
	ManifestID string
}

// GetManifest fetches repo's manifest at ref ("<tag>" or
// "sha256:<hex>"), requiring the Docker-Content-Digest response header.
func (c *Client) GetManifest(ctx context.Context, token, repo, ref string) (ManifestResult, error) {
	u := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme, c.cfg.Host, repo, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ManifestResult{}, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", image.ManifestMediaType)
	setBearer(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ManifestResult{}, &errs.ManifestFetchFailed{Ref: repo + ":" + ref, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return ManifestResult{}, &errs.ManifestFetchFailed{Ref: repo + ":" + ref, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}

	manifestID := resp.Header.Get("Docker-Content-Digest")
	if manifestID == "" {
		return ManifestResult{}, &errs.ManifestFetchFailed{Ref: repo + ":" + ref, Err: fmt.Errorf("missing Docker-Content-Digest header")}
	}

	var m image.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return ManifestResult{}, &errs.ManifestFetchFailed{Ref: repo + ":" + ref, Err: fmt.Errorf("parse manifest: %w", err)}
	}

	return ManifestResult{Manifest: m, ManifestID: manifestID}, nil
}

// PutManifest PUTs raw (the exact canonical bytes the caller wants
// digested) to repo's manifest endpoint under tag.
func (c *Client) PutManifest(ctx context.Context, token, repo, tag string, raw []byte) error {
	u := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme, c.cfg.Host, repo, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build manifest put: %w", err)
	}
	req.Header.Set("Content-Type", image.ManifestMediaType)
	req.ContentLength = int64(len(raw))
	setBearer(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &errs.ManifestPushFailed{Ref: repo + ":" + tag, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return &errs.ManifestPushFailed{Ref: repo + ":" + tag, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}
	return nil
}

// HasBlob HEADs repo's blob endpoint for digest, returning true if the
// registry already has it (push can skip the upload).
func (c *Client) HasBlob(ctx context.Context, token, repo, digest string) (bool, error) {
	u := fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme, c.cfg.Host, repo, digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, fmt.Errorf("build blob head: %w", err)
	}
	setBearer(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("head blob %s: %w", digest, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("head blob %s: unexpected status %d", digest, resp.StatusCode)
	}
}

// InitiateUpload POSTs repo's upload endpoint and returns the Location
// to PUT the blob to.
func (c *Client) InitiateUpload(ctx context.Context, token, repo string) (string, error) {
	u := fmt.Sprintf("%s://%s/v2/%s/blobs/uploads/", c.scheme, c.cfg.Host, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", &errs.UploadInitiationFailed{Err: err}
	}
	req.ContentLength = 0
	setBearer(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &errs.UploadInitiationFailed{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return "", &errs.UploadInitiationFailed{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", &errs.UploadInitiationFailed{Err: fmt.Errorf("missing Location header")}
	}
	return c.resolveLocation(location), nil
}

// resolveLocation makes a possibly-relative Location header absolute
// against this client's registry host.
func (c *Client) resolveLocation(location string) string {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}
	if !strings.HasPrefix(location, "/") {
		location = "/" + location
	}
	return fmt.Sprintf("%s://%s%s", c.scheme, c.cfg.Host, location)
}

// PutBlob uploads data to an initiated upload location, finalising it
// with the digest query parameter.
func (c *Client) PutBlob(ctx context.Context, token, uploadLocation, digest string, data []byte) error {
	sep := "?"
	if strings.Contains(uploadLocation, "?") {
		sep = "&"
	}
	u := fmt.Sprintf("%s%sdigest=%s", uploadLocation, sep, digest)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return &errs.BlobUploadFailed{Digest: digest, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))
	setBearer(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &errs.BlobUploadFailed{Digest: digest, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return &errs.BlobUploadFailed{Digest: digest, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}
	return nil
}

// GetBlob downloads a blob's full content with retry (spec.md §4.F:
// up to MaxAttempts, backoff attempt*2 + rand[0,1) seconds).
func (c *Client) GetBlob(ctx context.Context, token, repo, digest string) ([]byte, error) {
	if c.cfg.ResourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ResourceTimeout)
		defer cancel()
	}
	attempt := 0
	op := func() ([]byte, error) {
		if attempt > 0 && c.metrics != nil {
			c.metrics.recordRetry(ctx, digest)
		}
		attempt++
		u := fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme, c.cfg.Host, repo, digest)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build blob get: %w", err))
		}
		setBearer(req, token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("get blob %s: %w", digest, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read blob %s: %w", digest, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("get blob %s: status %d", digest, resp.StatusCode)
		}
		return body, nil
	}

	data, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(newJitterBackOff()),
		backoff.WithMaxTries(uint(c.maxAttempts())),
	)
	if err != nil {
		return nil, &errs.LayerDownloadFailed{Digest: digest, Err: err}
	}
	return data, nil
}

func (c *Client) maxAttempts() int {
	if c.cfg.MaxAttempts > 0 {
		return c.cfg.MaxAttempts
	}
	return 5
}

func setBearer(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// jitterBackOff implements backoff.BackOff with the spec-mandated
// schedule: attempt*2 + rand[0,1) seconds, 1-indexed by attempt.
type jitterBackOff struct {
	attempt int
}

func newJitterBackOff() *jitterBackOff {
	return &jitterBackOff{}
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	b.attempt++
	seconds := float64(b.attempt)*2 + rand.Float64()
	return time.Duration(seconds * float64(time.Second))
}

func (b *jitterBackOff) Reset() { b.attempt = 0 }

package caltopo

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RequestSigner builds an authenticated HTTP request for a backend endpoint.
// The two implementations cover CalTopo's HMAC-signed protocol and the static
// token header used by the telemetry-stream side.
type RequestSigner interface {
	NewRequest(ctx context.Context, method, baseURL, endpoint, payload string) (*http.Request, error)
}

// defaultExpiryWindow is how long a signed request stays valid. The backend
// rejects requests past expiry, so signed requests must never be cached.
const defaultExpiryWindow = 2 * time.Minute

// HMACSigner signs requests with HMAC-SHA256 over
// "{METHOD} {URL}\n{EXPIRES_MS}\n{BODY}" using a base64-decoded shared
// secret. The resulting id/expires/signature triple travels as query
// parameters on GETs and as form fields on POSTs.
type HMACSigner struct {
	credentialID string
	secret       []byte
	window       time.Duration

	// now is swappable so tests can pin the expiry timestamp.
	now func() time.Time
}

// NewHMACSigner decodes the base64 shared secret and returns a signer with
// the default expiry window.
func NewHMACSigner(credentialID, credentialSecret string) (*HMACSigner, error) {
	secret, err := base64.StdEncoding.DecodeString(credentialSecret)
	if err != nil {
		return nil, fmt.Errorf("decode credential secret: %w", err)
	}
	return &HMACSigner{
		credentialID: credentialID,
		secret:       secret,
		window:       defaultExpiryWindow,
		now:          time.Now,
	}, nil
}

// Sign computes the signature for one request. Same inputs give the same
// signature only when expires is pinned; callers normally let NewRequest pick
// the expiry.
func (s *HMACSigner) Sign(method, endpoint string, expires int64, payload string) string {
	message := fmt.Sprintf("%s %s\n%d\n%s", strings.ToUpper(method), endpoint, expires, payload)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// NewRequest builds a signed request. payload is the JSON document for POSTs
// and empty for GETs.
func (s *HMACSigner) NewRequest(ctx context.Context, method, baseURL, endpoint, payload string) (*http.Request, error) {
	method = strings.ToUpper(method)
	expires := s.now().UnixMilli() + s.window.Milliseconds()

	params := url.Values{}
	params.Set("id", s.credentialID)
	params.Set("expires", strconv.FormatInt(expires, 10))
	params.Set("signature", s.Sign(method, endpoint, expires, payload))

	var req *http.Request
	var err error
	if method == http.MethodPost {
		params.Set("json", payload)
		req, err = http.NewRequestWithContext(ctx, method, baseURL+endpoint, strings.NewReader(params.Encode()))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, baseURL+endpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// StaticTokenSigner authenticates with a long-lived API token in the
// Authorization header. No signature, no expiry.
type StaticTokenSigner struct {
	Scheme string // e.g. "ApiToken"
	Token  string
}

func (s StaticTokenSigner) NewRequest(ctx context.Context, method, baseURL, endpoint, payload string) (*http.Request, error) {
	var body *strings.Reader
	if payload != "" {
		body = strings.NewReader(payload)
	} else {
		body = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", s.Scheme+" "+s.Token)
	if payload != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

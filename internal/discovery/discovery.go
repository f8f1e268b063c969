// Package discovery asks the email discovery service for a real address at a
// prospect's business.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/tracing"
)

type Query struct {
	Website     string
	CompanyName string
	FirstName   string
}

// Result is what the service found. An empty Email means nothing was found.
type Result struct {
	Email    string               `json:"email"`
	Source   outreach.EmailSource `json:"source"`
	Verified bool                 `json:"verified"`
}

// Usable reports whether the result is a real address rather than a guess
func (r Result) Usable() bool {
	return r.Email != "" && (r.Source != outreach.SourceGuessed || r.Verified)
}

type Finder interface {
	Find(ctx context.Context, q Query) (Result, error)
}

// HTTPFinder calls GET {base}/v1/discover
type HTTPFinder struct {
	base   string
	client *http.Client
}

func NewHTTPFinder(baseURL string, timeout time.Duration) *HTTPFinder {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFinder{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFinder) Find(ctx context.Context, q Query) (Result, error) {
	if f.base == "" {
		return Result{}, fmt.Errorf("discovery service is not configured")
	}
	v := url.Values{}
	v.Set("website", q.Website)
	v.Set("company", q.CompanyName)
	if q.FirstName != "" {
		v.Set("first_name", q.FirstName)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/v1/discover?"+v.Encode(), nil)
	if err != nil {
		return Result{}, err
	}
	for k, val := range tracing.InjectHeaders(ctx) {
		req.Header.Set(k, val)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{}, nil
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("discovery status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var r Result
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Result{}, fmt.Errorf("decode discovery result: %w", err)
	}
	r.Email = strings.TrimSpace(strings.ToLower(r.Email))
	return r, nil
}

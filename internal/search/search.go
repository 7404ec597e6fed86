// Package search looks up candidate options from the business search
// provider. Results come back in the Option shape that proposals carry.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/converge/internal/models"
	"golang.org/x/oauth2"
)

const (
	DefaultEndpoint = "https://api.yelp.com/ai/chat/v2"
	DefaultLocale   = "en_US"
	DefaultTimeout  = 15 * time.Second

	// Downtown Austin, used when no coordinates are configured.
	DefaultLatitude  = 30.2672
	DefaultLongitude = -97.7431

	maxErrorBody = 1 << 10
)

// Finder returns candidate options for a free-text query, plus the
// provider's own summary of the results.
type Finder interface {
	Find(ctx context.Context, query, location string) ([]models.Option, string, error)
}

// HTTPFinderOpts holds parameters for creating an HTTPFinder.
type HTTPFinderOpts struct {
	Endpoint  string
	APIKey    string
	Locale    string
	Latitude  float64
	Longitude float64
	// HTTPClient is the base client the bearer transport wraps. Optional.
	HTTPClient *http.Client
}

// HTTPFinder queries the provider's chat search endpoint with a bearer key.
type HTTPFinder struct {
	endpoint  string
	locale    string
	latitude  float64
	longitude float64
	hc        *http.Client
}

// NewHTTPFinder creates an HTTPFinder.
func NewHTTPFinder(opts HTTPFinderOpts) (*HTTPFinder, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("search: api key is required")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("search: endpoint %q must be an http or https url", endpoint)
	}
	locale := opts.Locale
	if locale == "" {
		locale = DefaultLocale
	}
	lat, lng := opts.Latitude, opts.Longitude
	if lat == 0 && lng == 0 {
		lat, lng = DefaultLatitude, DefaultLongitude
	}

	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: opts.APIKey,
		TokenType:   "Bearer",
	}))
	hc.Timeout = DefaultTimeout

	return &HTTPFinder{
		endpoint:  endpoint,
		locale:    locale,
		latitude:  lat,
		longitude: lng,
		hc:        hc,
	}, nil
}

type searchRequest struct {
	Query       string      `json:"query"`
	UserContext userContext `json:"user_context"`
}

type userContext struct {
	Locale    string  `json:"locale"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type searchResponse struct {
	Response struct {
		Text string `json:"text"`
	} `json:"response"`
	Entities   []entity   `json:"entities"`
	Businesses []business `json:"businesses"`
}

type entity struct {
	Businesses []business `json:"businesses"`
}

type business struct {
	models.Option
	ContextualInfo *struct {
		ReviewSnippet string `json:"review_snippet"`
	} `json:"contextual_info"`
}

// Find sends query to the provider. A non-empty location is folded into the
// query text; the configured coordinates always anchor the search.
func (f *HTTPFinder) Find(ctx context.Context, query, location string) ([]models.Option, string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, "", fmt.Errorf("search: query is required")
	}
	if location = strings.TrimSpace(location); location != "" {
		query += " in " + location
	}

	body, err := json.Marshal(searchRequest{
		Query: query,
		UserContext: userContext{
			Locale:    f.locale,
			Latitude:  f.latitude,
			Longitude: f.longitude,
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("search: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("search: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.hc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("search: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, "", fmt.Errorf("search: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("search: decode response: %w", err)
	}
	options := collect(out)
	log.Printf("search: %q returned %d option(s)", query, len(options))
	return options, out.Response.Text, nil
}

// collect flattens the entity groups, falling back to the top-level
// business list when the response has no entities. Options without an ID
// are dropped and repeats keep their first occurrence.
func collect(resp searchResponse) []models.Option {
	var raw []business
	if resp.Entities != nil {
		for _, e := range resp.Entities {
			raw = append(raw, e.Businesses...)
		}
	} else {
		raw = resp.Businesses
	}

	seen := make(map[string]bool, len(raw))
	options := make([]models.Option, 0, len(raw))
	for _, b := range raw {
		if b.ID == "" || seen[b.ID] {
			continue
		}
		seen[b.ID] = true
		opt := b.Option
		if b.ContextualInfo != nil && b.ContextualInfo.ReviewSnippet != "" {
			opt.ReviewSnippet = b.ContextualInfo.ReviewSnippet
		}
		options = append(options, opt)
	}
	return options
}

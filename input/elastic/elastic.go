// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package elastic implements the Elasticsearch and OpenSearch poll adapters.
// Both distros are driven over the HTTP search API directly; the distro
// switch only changes the request body shape.
package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-cleanhttp"
	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/reflexsoar/reflexsoar-agent/input"
)

const (
	// defaultSearchPeriod is the range-query window when the input config
	// does not set one.
	defaultSearchPeriod = "5m"

	// defaultSearchSize is the per-request hit count.
	defaultSearchSize = 1000

	// scrollKeepAlive is the scroll context lifetime.
	scrollKeepAlive = "2m"

	// maxRetries bounds the exponential-backoff retry of failed API calls.
	maxRetries = 3
)

// configFields names the driver-specific keys this adapter reads from the
// console config.
var configFields = []string{
	"hosts", "distro", "auth_method", "cafile", "cert_verification",
	"check_hostname", "search_period", "lucene_filter", "search_size",
	"index", "no_scroll", "max_hits",
}

func init() {
	input.Register("elasticsearch", input.Factory{
		ConfigFields: configFields,
		New: func(cfg *input.Config, creds *input.Credentials) (input.Input, error) {
			return NewInput(cfg, creds, "elasticsearch", nil)
		},
	})
	input.Register("opensearch", input.Factory{
		ConfigFields: configFields,
		New: func(cfg *input.Config, creds *input.Credentials) (input.Input, error) {
			return NewInput(cfg, creds, "opensearch", nil)
		},
	})
}

// Input polls an Elasticsearch or OpenSearch cluster for raw documents.
type Input struct {
	alias  string
	distro string
	logger hclog.Logger

	hosts        []string
	index        string
	searchPeriod string
	luceneFilter string
	searchSize   int
	noScroll     bool
	maxHits      int

	authHeader string
	client     *http.Client
}

// NewInput builds an adapter from a parsed input config. distro selects the
// request body dialect; logger may be nil.
func NewInput(cfg *input.Config, creds *input.Credentials, distro string, logger hclog.Logger) (*Input, error) {
	if logger == nil {
		logger = hclog.Default()
	}

	settings := cfg.Settings

	hosts := hostList(settings["hosts"])
	if len(hosts) == 0 {
		return nil, fmt.Errorf("input %q has no hosts configured", cfg.Name)
	}

	in := &Input{
		alias:        cfg.Name,
		distro:       distro,
		logger:       logger.Named("elastic").With("input", cfg.Name),
		hosts:        hosts,
		index:        stringSetting(settings, "index", ""),
		searchPeriod: stringSetting(settings, "search_period", defaultSearchPeriod),
		luceneFilter: stringSetting(settings, "lucene_filter", ""),
		searchSize:   intSetting(settings, "search_size", defaultSearchSize),
		noScroll:     boolSetting(settings, "no_scroll"),
		maxHits:      intSetting(settings, "max_hits", 0),
	}

	if creds != nil {
		switch stringSetting(settings, "auth_method", "http_auth") {
		case "api_key":
			token := base64.StdEncoding.EncodeToString(
				[]byte(creds.Username + ":" + creds.Secret))
			in.authHeader = "ApiKey " + token
		default:
			token := base64.StdEncoding.EncodeToString(
				[]byte(creds.Username + ":" + creds.Secret))
			in.authHeader = "Basic " + token
		}
	}

	client, err := buildClient(settings)
	if err != nil {
		return nil, err
	}
	in.client = client

	return in, nil
}

// Alias returns the input's console name.
func (in *Input) Alias() string { return in.alias }

// Type identifies the adapter as a polling input.
func (in *Input) Type() string { return input.TypePoll }

// Poll queries the cluster for documents inside the search period,
// following the scroll cursor until exhausted, no_scroll, or max_hits.
// API errors are retried with exponential backoff; any terminal error
// yields an empty record list.
func (in *Input) Poll(ctx context.Context) ([]map[string]any, error) {
	if in.index == "" {
		in.logger.Error("index not specified, skipping poll")
		return nil, nil
	}

	first, err := in.search(ctx)
	if err != nil {
		if errors.Is(err, input.ErrAuthorizationFailed) {
			in.logger.Error("authentication failed", "error", err)
			return nil, err
		}
		in.logger.Error("search failed", "error", err)
		return nil, nil
	}

	events := first.hits
	in.logger.Info("found events", "total", first.total, "index", in.index)

	scrollID := first.scrollID
	scrollSize := len(first.hits)

	for scrollSize > 0 && !in.noScroll && scrollID != "" {
		if in.maxHits > 0 && len(events) >= in.maxHits {
			in.logger.Warn("max hits reached", "max_hits", in.maxHits)
			break
		}

		in.logger.Debug("scrolling events", "count", scrollSize, "index", in.index)
		page, err := in.scroll(ctx, scrollID)
		if err != nil {
			in.logger.Error("scroll failed", "error", err)
			break
		}
		events = append(events, page.hits...)
		scrollID = page.scrollID
		scrollSize = len(page.hits)
	}

	return events, nil
}

// searchPage is one page of search results.
type searchPage struct {
	scrollID string
	total    int
	hits     []map[string]any
}

func (in *Input) search(ctx context.Context) (*searchPage, error) {
	query := map[string]any{
		"bool": map[string]any{
			"must": []any{
				map[string]any{
					"range": map[string]any{
						"@timestamp": map[string]any{
							"gte": "now-" + in.searchPeriod,
						},
					},
				},
			},
		},
	}
	if in.luceneFilter != "" {
		must := query["bool"].(map[string]any)["must"].([]any)
		query["bool"].(map[string]any)["must"] = append(must, map[string]any{
			"query_string": map[string]any{"query": in.luceneFilter},
		})
	}

	// opensearch's search API keeps the query nested under "query" only;
	// elasticsearch accepts the same shape, so both dialects share it
	body := map[string]any{
		"query": query,
		"size":  in.searchSize,
	}

	endpoint := fmt.Sprintf("/%s/_search?scroll=%s", in.index, scrollKeepAlive)
	return in.call(ctx, endpoint, body)
}

func (in *Input) scroll(ctx context.Context, scrollID string) (*searchPage, error) {
	body := map[string]any{
		"scroll":    scrollKeepAlive,
		"scroll_id": scrollID,
	}
	return in.call(ctx, "/_search/scroll", body)
}

// call posts a search body to the first reachable host, retrying API errors
// with exponential backoff.
func (in *Input) call(ctx context.Context, endpoint string, body map[string]any) (*searchPage, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var page *searchPage
	operation := func() error {
		var mErr *multierror.Error
		for _, host := range in.hosts {
			var hostErr error
			page, hostErr = in.callHost(ctx, host, endpoint, encoded)
			if hostErr == nil {
				return nil
			}
			if errors.Is(hostErr, input.ErrAuthorizationFailed) {
				return backoff.Permanent(hostErr)
			}
			mErr = multierror.Append(mErr, fmt.Errorf("%s: %w", host, hostErr))
		}
		return mErr.ErrorOrNil()
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return page, nil
}

func (in *Input) callHost(ctx context.Context, host, endpoint string, body []byte) (*searchPage, error) {
	url := strings.TrimSuffix(host, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if in.authHeader != "" {
		req.Header.Set("Authorization", in.authHeader)
	}

	resp, err := in.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d from %s", input.ErrAuthorizationFailed,
			resp.StatusCode, host)
	case resp.StatusCode != http.StatusOK:
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("search returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded struct {
		ScrollID string `json:"_scroll_id"`
		Hits     struct {
			Total json.RawMessage  `json:"total"`
			Hits  []map[string]any `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	return &searchPage{
		scrollID: decoded.ScrollID,
		total:    decodeTotal(decoded.Hits.Total),
		hits:     decoded.Hits.Hits,
	}, nil
}

// decodeTotal handles both the modern {"value": N} and legacy bare-integer
// total shapes.
func decodeTotal(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var wrapped struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Value
	}
	var bare int
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare
	}
	return 0
}

// buildClient applies the input's TLS settings: a CA file with a chosen
// verification mode, or verification disabled entirely when no CA is given.
func buildClient(settings map[string]any) (*http.Client, error) {
	transport := cleanhttp.DefaultPooledTransport()
	tlsConfig := &tls.Config{}

	cafile := stringSetting(settings, "cafile", "")
	if cafile != "" {
		pem, err := os.ReadFile(cafile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cafile)
		}
		tlsConfig.RootCAs = pool
		if stringSetting(settings, "cert_verification", "required") == "none" {
			tlsConfig.InsecureSkipVerify = true
		}
		if !boolSetting(settings, "check_hostname") {
			tlsConfig.InsecureSkipVerify = true
		}
	} else {
		tlsConfig.InsecureSkipVerify = true
	}

	transport.TLSClientConfig = tlsConfig
	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}, nil
}

func hostList(v any) []string {
	switch hosts := v.(type) {
	case []string:
		return hosts
	case []any:
		out := make([]string, 0, len(hosts))
		for _, item := range hosts {
			if host, ok := item.(string); ok {
				out = append(out, host)
			}
		}
		return out
	case string:
		if hosts == "" {
			return nil
		}
		return strings.Split(hosts, ",")
	}
	return nil
}

func stringSetting(settings map[string]any, key, def string) string {
	if s, ok := settings[key].(string); ok && s != "" {
		return s
	}
	return def
}

func intSetting(settings map[string]any, key string, def int) int {
	switch n := settings[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

func boolSetting(settings map[string]any, key string) bool {
	b, _ := settings[key].(bool)
	return b
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package elastic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/reflexsoar/reflexsoar-agent/ci"
	"github.com/reflexsoar/reflexsoar-agent/input"
)

func hit(hostname string) map[string]any {
	return map[string]any{
		"_index": "alerts-1",
		"_source": map[string]any{
			"host": map[string]any{"hostname": hostname},
		},
	}
}

func page(scrollID string, total int, hits ...map[string]any) map[string]any {
	return map[string]any{
		"_scroll_id": scrollID,
		"hits": map[string]any{
			"total": map[string]any{"value": total},
			"hits":  hits,
		},
	}
}

func respond(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func testConfig(url string, extra map[string]any) *input.Config {
	settings := map[string]any{
		"hosts": []any{url},
		"index": "alerts-*",
	}
	for key, value := range extra {
		settings[key] = value
	}
	return &input.Config{
		Name:     "test-input",
		Plugin:   "elasticsearch",
		Settings: settings,
	}
}

func TestInput_PollWithScroll(t *testing.T) {
	ci.Parallel(t)

	var mu sync.Mutex
	var bodies []map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		must.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/alerts-*/_search"):
			must.Eq(t, "2m", r.URL.Query().Get("scroll"))
			respond(w, page("scroll-1", 3, hit("web-01"), hit("web-02")))
		case r.URL.Path == "/_search/scroll":
			mu.Lock()
			scrolls := len(bodies) - 1
			mu.Unlock()
			if scrolls == 1 {
				respond(w, page("scroll-2", 3, hit("web-03")))
			} else {
				respond(w, page("scroll-3", 3))
			}
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	in, err := NewInput(testConfig(srv.URL, nil), nil, "elasticsearch", nil)
	must.NoError(t, err)

	records, err := in.Poll(context.Background())
	must.NoError(t, err)
	must.Len(t, 3, records)

	// the first request carries the range query and size
	mu.Lock()
	first := bodies[0]
	mu.Unlock()
	size, ok := first["size"].(float64)
	must.True(t, ok)
	must.Eq(t, float64(defaultSearchSize), size)
	raw, err := json.Marshal(first["query"])
	must.NoError(t, err)
	must.StrContains(t, string(raw), "now-5m")
}

func TestInput_LuceneFilter(t *testing.T) {
	ci.Parallel(t)

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		respond(w, page("", 0))
	}))
	defer srv.Close()

	in, err := NewInput(testConfig(srv.URL, map[string]any{
		"lucene_filter": "event.severity:high",
		"search_period": "15m",
	}), nil, "elasticsearch", nil)
	must.NoError(t, err)

	_, err = in.Poll(context.Background())
	must.NoError(t, err)

	raw, err := json.Marshal(captured["query"])
	must.NoError(t, err)
	must.StrContains(t, string(raw), "event.severity:high")
	must.StrContains(t, string(raw), "now-15m")
}

func TestInput_NoScroll(t *testing.T) {
	ci.Parallel(t)

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		respond(w, page("scroll-1", 10, hit("web-01")))
	}))
	defer srv.Close()

	in, err := NewInput(testConfig(srv.URL, map[string]any{
		"no_scroll": true,
	}), nil, "elasticsearch", nil)
	must.NoError(t, err)

	records, err := in.Poll(context.Background())
	must.NoError(t, err)
	must.Len(t, 1, records)
	must.Eq(t, 1, requests)
}

func TestInput_MaxHits(t *testing.T) {
	ci.Parallel(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// every page returns two hits and a live scroll id
		respond(w, page("scroll-1", 100, hit("a"), hit("b")))
	}))
	defer srv.Close()

	in, err := NewInput(testConfig(srv.URL, map[string]any{
		"max_hits": float64(4),
	}), nil, "elasticsearch", nil)
	must.NoError(t, err)

	records, err := in.Poll(context.Background())
	must.NoError(t, err)
	must.Len(t, 4, records)
}

func TestInput_AuthFailure(t *testing.T) {
	ci.Parallel(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	in, err := NewInput(testConfig(srv.URL, map[string]any{
		"auth_method": "api_key",
	}), &input.Credentials{Username: "id", Secret: "key"}, "elasticsearch", nil)
	must.NoError(t, err)

	records, err := in.Poll(context.Background())
	must.ErrorIs(t, err, input.ErrAuthorizationFailed)
	must.Len(t, 0, records)
}

func TestInput_CredentialHeaders(t *testing.T) {
	ci.Parallel(t)

	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		respond(w, page("", 0))
	}))
	defer srv.Close()

	in, err := NewInput(testConfig(srv.URL, map[string]any{
		"auth_method": "api_key",
	}), &input.Credentials{Username: "id", Secret: "key"}, "elasticsearch", nil)
	must.NoError(t, err)
	_, err = in.Poll(context.Background())
	must.NoError(t, err)
	must.StrHasPrefix(t, "ApiKey ", auth)

	in, err = NewInput(testConfig(srv.URL, nil),
		&input.Credentials{Username: "user", Secret: "pass"}, "elasticsearch", nil)
	must.NoError(t, err)
	_, err = in.Poll(context.Background())
	must.NoError(t, err)
	must.StrHasPrefix(t, "Basic ", auth)
}

func TestInput_MissingIndex(t *testing.T) {
	ci.Parallel(t)

	in, err := NewInput(&input.Config{
		Name:     "no-index",
		Settings: map[string]any{"hosts": []any{"http://cluster.test"}},
	}, nil, "elasticsearch", nil)
	must.NoError(t, err)

	records, err := in.Poll(context.Background())
	must.NoError(t, err)
	must.Len(t, 0, records)
}

func TestInput_RegisteredPlugins(t *testing.T) {
	ci.Parallel(t)

	for _, plugin := range []string{"elasticsearch", "opensearch"} {
		factory, ok := input.Lookup(plugin)
		must.True(t, ok)
		must.SliceContains(t, factory.ConfigFields, "index")
	}
}

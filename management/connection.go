// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package management implements the connection layer between the agent and
// the ReflexSOAR management console: a named registry of HTTP connections and
// a typed client for the console's agent endpoints.
package management

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/reflexsoar/reflexsoar-agent/version"
)

// DefaultConnectionName is the reserved registry name for the primary
// console connection. Only the agent supervisor may register it.
const DefaultConnectionName = "default"

// requestTimeout bounds every console call. There is no implicit retry.
const requestTimeout = 30 * time.Second

// ConnInfo is the serializable identity of a connection. It is persisted in
// the agent config as console_info after a successful pairing.
type ConnInfo struct {
	URL       string `json:"url"`
	APIKey    string `json:"api_key"`
	IgnoreTLS bool   `json:"ignore_tls"`
}

// HTTPConnection is a named HTTP client with the console's default headers
// applied. It fails soft: transport errors are logged and surfaced as a nil
// response so that callers can treat an unreachable console as missing data.
type HTTPConnection struct {
	name      string
	url       string
	ignoreTLS bool
	userAgent string

	mu      sync.RWMutex
	apiKey  string
	headers map[string]string

	client *http.Client
	logger hclog.Logger
}

// HTTPConnectionConfig parameterizes NewHTTPConnection.
type HTTPConnectionConfig struct {
	URL       string
	APIKey    string
	IgnoreTLS bool

	// Name identifies the connection in a registry. Defaults to "default".
	Name string

	// UserAgent overrides the default reflexsoar-agent/<version> header.
	UserAgent string

	Logger hclog.Logger
}

// NewHTTPConnection creates a generic console connection. The connection is
// not registered anywhere; see Registry.Add.
func NewHTTPConnection(cfg HTTPConnectionConfig) *HTTPConnection {
	name := cfg.Name
	if name == "" {
		name = DefaultConnectionName
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = fmt.Sprintf("reflexsoar-agent/%s", version.GetVersion().VersionNumber())
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.Default()
	}

	client := cleanhttp.DefaultPooledClient()
	client.Timeout = requestTimeout
	if cfg.IgnoreTLS {
		transport := cleanhttp.DefaultPooledTransport()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		client.Transport = transport
	}

	c := &HTTPConnection{
		name:      name,
		url:       strings.TrimSuffix(cfg.URL, "/"),
		apiKey:    cfg.APIKey,
		ignoreTLS: cfg.IgnoreTLS,
		userAgent: userAgent,
		client:    client,
		logger:    logger.Named("http").With("connection", name),
	}
	c.setDefaultHeaders()
	return c
}

// Name returns the registry name of the connection.
func (c *HTTPConnection) Name() string { return c.name }

// URL returns the console base URL.
func (c *HTTPConnection) URL() string { return c.url }

// APIKey returns the current bearer token. Pairing swaps it for the
// console-issued token.
func (c *HTTPConnection) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Info returns the persistable identity of the connection.
func (c *HTTPConnection) Info() ConnInfo {
	return ConnInfo{
		URL:       c.url,
		APIKey:    c.APIKey(),
		IgnoreTLS: c.ignoreTLS,
	}
}

func (c *HTTPConnection) setDefaultHeaders() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"Content-Type":  "application/json",
		"User-Agent":    c.userAgent,
	}
}

// UpdateHeader sets a single header on the connection. Used by pairing to
// swap the bootstrap token for the console-issued one.
func (c *HTTPConnection) UpdateHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

// setAPIKey replaces the stored key and the Authorization header together.
func (c *HTTPConnection) setAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
	c.headers["Authorization"] = "Bearer " + key
}

// normalizeEndpoint strips leading and trailing slashes so that any of
// "test", "/test" and "test/" address the same path.
func normalizeEndpoint(endpoint string) string {
	return strings.Trim(endpoint, "/")
}

// CallAPI performs a console request. A nil response means the console was
// unreachable; the error has already been logged. Callers own closing the
// response body.
func (c *HTTPConnection) CallAPI(method, endpoint string, body any) *http.Response {
	url := c.url + "/" + normalizeEndpoint(endpoint)

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			c.logger.Error("failed to encode request body", "endpoint", endpoint, "error", err)
			return nil
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		c.logger.Error("failed to build request", "endpoint", endpoint, "error", err)
		return nil
	}

	c.mu.RLock()
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	c.mu.RUnlock()

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("failed to connect to console", "url", c.url, "error", err)
		return nil
	}
	return resp
}

// decodeBody drains and closes the response body into out.
func decodeBody(resp *http.Response, out any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// drainBody reads the response body for inclusion in error messages.
func drainBody(resp *http.Response) string {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

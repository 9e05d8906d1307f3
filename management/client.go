// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package management

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ManagementConnection wraps an HTTPConnection with typed methods for the
// console's agent endpoints. Transport failures surface as nil results;
// statuses that carry domain meaning (pair conflict, heartbeat failure)
// surface as the package's sentinel errors.
type ManagementConnection struct {
	*HTTPConnection
}

// NewManagementConnection creates a typed console connection. When reg is
// non-nil the connection is registered with it under its name; registration
// failures propagate so a duplicate "default" cannot be silently replaced.
func NewManagementConnection(cfg HTTPConnectionConfig, reg *Registry) (*ManagementConnection, error) {
	conn := &ManagementConnection{HTTPConnection: NewHTTPConnection(cfg)}
	if reg != nil {
		if err := reg.Add(conn); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

// PairResponse is the console's answer to a successful pairing call.
type PairResponse struct {
	UUID  string `json:"uuid"`
	Token string `json:"token"`
}

// Credential is a console-held input credential, with the secret already
// decrypted by the console.
type Credential struct {
	Username string
	Secret   string
}

// AgentPair registers the agent with the console. On success the
// connection's bearer token is replaced with the console-issued one.
func (c *ManagementConnection) AgentPair(payload map[string]any) (*PairResponse, error) {
	resp := c.CallAPI(http.MethodPost, "/api/v2.0/agent", payload)
	if resp == nil {
		return nil, nil
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var pair PairResponse
		if err := decodeBody(resp, &pair); err != nil {
			return nil, fmt.Errorf("failed to decode pair response: %w", err)
		}
		c.setAPIKey(pair.Token)
		return &pair, nil
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrConsoleAlreadyPaired, drainBody(resp))
	case http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: %s", ErrConsoleInternalServerError, drainBody(resp))
	default:
		resp.Body.Close()
		return nil, nil
	}
}

// AgentHeartbeat reports agent health to the console. Any non-200 answer is
// an ErrAgentHeartbeatFailed; an unreachable console returns nil, nil.
func (c *ManagementConnection) AgentHeartbeat(agentID string, body map[string]any) (map[string]any, error) {
	resp := c.CallAPI(http.MethodPost, "/api/v2.0/agent/heartbeat/"+agentID, body)
	if resp == nil {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrAgentHeartbeatFailed, drainBody(resp))
	}

	var out map[string]any
	if err := decodeBody(resp, &out); err != nil {
		return nil, fmt.Errorf("failed to decode heartbeat response: %w", err)
	}
	return out, nil
}

// AgentGetPolicy fetches the agent document and returns its policy, or nil
// when the console is unreachable or answers with a non-200.
func (c *ManagementConnection) AgentGetPolicy(agentID string) map[string]any {
	resp := c.CallAPI(http.MethodGet, "/api/v2.0/agent/"+agentID, nil)
	if resp == nil {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil
	}

	var out struct {
		Policy map[string]any `json:"policy"`
	}
	if err := decodeBody(resp, &out); err != nil {
		c.logger.Error("failed to decode policy response", "error", err)
		return nil
	}
	return out.Policy
}

// AgentGetInputs fetches the inputs assigned to the agent.
func (c *ManagementConnection) AgentGetInputs() []map[string]any {
	resp := c.CallAPI(http.MethodGet, "/api/v2.0/agent/inputs", nil)
	if resp == nil {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil
	}

	var out struct {
		Inputs []map[string]any `json:"inputs"`
	}
	if err := decodeBody(resp, &out); err != nil {
		c.logger.Error("failed to decode inputs response", "error", err)
		return nil
	}
	return out.Inputs
}

// AgentGetDetections fetches the detection rules assigned to the agent. The
// documents are returned raw; the detector role owns their typing.
func (c *ManagementConnection) AgentGetDetections() []json.RawMessage {
	resp := c.CallAPI(http.MethodGet, "/api/v2.0/agent/detections", nil)
	if resp == nil {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil
	}

	var out struct {
		Detections []json.RawMessage `json:"detections"`
	}
	if err := decodeBody(resp, &out); err != nil {
		c.logger.Error("failed to decode detections response", "error", err)
		return nil
	}
	return out.Detections
}

// AgentGetInputCredentials resolves an input credential: one call for the
// username, one for the decrypted secret.
func (c *ManagementConnection) AgentGetInputCredentials(credID string) (*Credential, bool) {
	resp := c.CallAPI(http.MethodGet, "/api/v2.0/credential/"+credID, nil)
	if resp == nil {
		return nil, false
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, false
	}

	var user struct {
		Username string `json:"username"`
	}
	if err := decodeBody(resp, &user); err != nil {
		c.logger.Error("failed to decode credential response", "credential", credID, "error", err)
		return nil, false
	}

	resp = c.CallAPI(http.MethodGet, "/api/v2.0/credential/decrypt/"+credID, nil)
	if resp == nil {
		return nil, false
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, false
	}

	var secret struct {
		Secret string `json:"secret"`
	}
	if err := decodeBody(resp, &secret); err != nil {
		c.logger.Error("failed to decode credential secret", "credential", credID, "error", err)
		return nil, false
	}

	return &Credential{Username: user.Username, Secret: secret.Secret}, true
}

// BulkEvents ships a batch of serialized events to the console. Returns true
// on success; failures are logged and the batch is considered lost.
func (c *ManagementConnection) BulkEvents(events []json.RawMessage) bool {
	body := map[string]any{"events": events}
	resp := c.CallAPI(http.MethodPost, "/api/v2.0/event/_bulk", body)
	if resp == nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Package pds is a thin XRPC client for the small slice of a Personal
// Data Server's com.atproto.server surface the CLI needs: creating and
// refreshing a session.
package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Session is the state returned by a successful login or refresh.
type Session struct {
	Endpoint   string `json:"endpoint"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
	Active     bool   `json:"active"`
}

// Agent talks to one PDS endpoint over XRPC.
type Agent struct {
	endpoint string
	http     *http.Client
}

// New creates an Agent against endpoint (e.g. "https://pds.example.com").
func New(endpoint string) *Agent {
	return &Agent{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Endpoint returns the PDS this agent talks to.
func (a *Agent) Endpoint() string {
	return a.endpoint
}

type createSessionInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Login exchanges a handle/DID and app password for a session via
// com.atproto.server.createSession.
func (a *Agent) Login(ctx context.Context, identifier, appPassword string) (*Session, error) {
	var out struct {
		Did        string `json:"did"`
		Handle     string `json:"handle"`
		AccessJwt  string `json:"accessJwt"`
		RefreshJwt string `json:"refreshJwt"`
		Active     *bool  `json:"active"`
	}
	if err := a.post(ctx, "com.atproto.server.createSession", "", createSessionInput{
		Identifier: identifier,
		Password:   appPassword,
	}, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	active := true
	if out.Active != nil {
		active = *out.Active
	}
	return &Session{
		Endpoint:   a.endpoint,
		DID:        out.Did,
		Handle:     out.Handle,
		AccessJWT:  out.AccessJwt,
		RefreshJWT: out.RefreshJwt,
		Active:     active,
	}, nil
}

// Refresh exchanges a session's refresh token for a new access/refresh
// pair via com.atproto.server.refreshSession.
func (a *Agent) Refresh(ctx context.Context, s *Session) (*Session, error) {
	var out struct {
		Did        string `json:"did"`
		Handle     string `json:"handle"`
		AccessJwt  string `json:"accessJwt"`
		RefreshJwt string `json:"refreshJwt"`
		Active     *bool  `json:"active"`
	}
	if err := a.post(ctx, "com.atproto.server.refreshSession", s.RefreshJWT, nil, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if out.Did != s.DID {
		return nil, fmt.Errorf("%w: refreshed did %s does not match %s", ErrRefreshFailed, out.Did, s.DID)
	}

	active := true
	if out.Active != nil {
		active = *out.Active
	}
	return &Session{
		Endpoint:   a.endpoint,
		DID:        out.Did,
		Handle:     out.Handle,
		AccessJWT:  out.AccessJwt,
		RefreshJWT: out.RefreshJwt,
		Active:     active,
	}, nil
}

func (a *Agent) post(ctx context.Context, method, bearer string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/xrpc/"+method, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var xrpcErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&xrpcErr)
		return fmt.Errorf("%s: %d %s: %s", method, resp.StatusCode, xrpcErr.Error, xrpcErr.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

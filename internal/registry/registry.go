// Package registry is an HTTPS client for the upstream PLC identity
// registry: current state, operation log, audit log, and the paginated
// export stream.
package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/primal-host/plc-mirror/internal/plcdata"
)

// DefaultBaseURL is the production PLC directory.
const DefaultBaseURL = "https://plc.directory"

// Client talks to an upstream PLC registry over HTTPS.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client against baseURL (empty defaults to DefaultBaseURL).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Data fetches the current PlcData for a DID.
func (c *Client) Data(ctx context.Context, did string) (*plcdata.PlcData, error) {
	var out plcdata.PlcData
	if err := c.getJSON(ctx, "/"+did+"/data", &out); err != nil {
		return nil, fmt.Errorf("registry: data: %w", err)
	}
	return &out, nil
}

// Log fetches the ordered operation log for a DID (no audit metadata).
func (c *Client) Log(ctx context.Context, did string) ([]plcdata.SignedOperation, error) {
	var out []plcdata.SignedOperation
	if err := c.getJSON(ctx, "/"+did+"/log", &out); err != nil {
		return nil, fmt.Errorf("registry: log: %w", err)
	}
	return out, nil
}

// AuditLog fetches the ordered LogEntry audit log for a DID.
func (c *Client) AuditLog(ctx context.Context, did string) ([]plcdata.LogEntry, error) {
	var out []plcdata.LogEntry
	if err := c.getJSON(ctx, "/"+did+"/log/audit", &out); err != nil {
		return nil, fmt.Errorf("registry: audit log: %w", err)
	}
	return out, nil
}

// LastOperation fetches the last active SignedOperation for a DID.
func (c *Client) LastOperation(ctx context.Context, did string) (*plcdata.SignedOperation, error) {
	var out plcdata.SignedOperation
	if err := c.getJSON(ctx, "/"+did+"/log/last", &out); err != nil {
		return nil, fmt.Errorf("registry: last operation: %w", err)
	}
	return &out, nil
}

// Export streams up to count LogEntry rows strictly after the given
// timestamp (JSON Lines). The server clamps count to min(count ?? 10,
// 1000); a zero after fetches from the beginning.
func (c *Client) Export(ctx context.Context, after time.Time, count int) ([]plcdata.LogEntry, error) {
	q := url.Values{}
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	if !after.IsZero() {
		q.Set("after", after.UTC().Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/export?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("registry: export: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: export: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: export: unexpected status %d", resp.StatusCode)
	}

	var entries []plcdata.LogEntry
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e plcdata.LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("registry: export: invalid log entries: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("registry: export: reading response: %w", err)
	}

	return entries, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrTombstoned
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response body: %w", err)
	}
	return nil
}

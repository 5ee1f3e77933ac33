package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// SessionInfo mirrors one entry of the daemon's /sessions status API.
type SessionInfo struct {
	ID              string    `json:"id"`
	RemoteAddr      string    `json:"remote_addr"`
	Mode            string    `json:"mode"`
	PeerFingerprint string    `json:"peer_fingerprint"`
	StartedAt       time.Time `json:"started_at"`
}

// Sessions queries a daemon's status API for its live sessions.
// statusBase is the API base URL, e.g. "http://127.0.0.1:5001".
func Sessions(ctx context.Context, statusBase string) ([]SessionInfo, error) {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, statusBase+"/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("building status request: %w", err)
	}
	resp, err := rc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", statusBase, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status API returned %s", resp.Status)
	}

	var list []SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding sessions response: %w", err)
	}
	return list, nil
}

// Package l2dchat connects a messenger.Client to a running chatd and wraps
// its diagnostic HTTP endpoints.
package l2dchat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MaiM-with-u/Maimchat/internal/messenger"
)

// DefaultBaseURL is where chatd listens by default.
const DefaultBaseURL = "http://localhost:8765"

// API is an HTTP client for chatd.
type API struct {
	BaseURL    string
	Token      string
	ConfigDir  string
	HTTPClient *http.Client
}

// NewAPI creates a client for baseURL. The config directory comes from
// L2DCHAT_CONFIG, falling back to ~/.l2dchat.
func NewAPI(baseURL, token string) *API {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	configDir := os.Getenv("L2DCHAT_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".l2dchat")
	}

	return &API{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// savedConfig is the on-disk form of messenger.ClientConfig.
type savedConfig struct {
	LastURL          string `json:"last_url,omitempty"`
	Platform         string `json:"platform,omitempty"`
	Nickname         string `json:"nickname,omitempty"`
	ReceiverID       string `json:"receiver_user_id,omitempty"`
	ReceiverNickname string `json:"receiver_user_nickname,omitempty"`
}

// LoadConfig reads the remembered connection preferences. A missing file
// yields the zero config.
func (a *API) LoadConfig() (messenger.ClientConfig, error) {
	data, err := os.ReadFile(filepath.Join(a.ConfigDir, "client.json"))
	if os.IsNotExist(err) {
		return messenger.ClientConfig{}, nil
	}
	if err != nil {
		return messenger.ClientConfig{}, err
	}

	var saved savedConfig
	if err := json.Unmarshal(data, &saved); err != nil {
		return messenger.ClientConfig{}, err
	}
	return messenger.ClientConfig(saved), nil
}

// SaveConfig remembers cfg for the next run.
func (a *API) SaveConfig(cfg messenger.ClientConfig) error {
	if err := os.MkdirAll(a.ConfigDir, 0700); err != nil {
		return err
	}
	data, _ := json.MarshalIndent(savedConfig(cfg), "", "  ")
	return os.WriteFile(filepath.Join(a.ConfigDir, "client.json"), data, 0600)
}

// IPCURL returns the websocket address of the messenger endpoint.
func (a *API) IPCURL() (string, error) {
	u, err := url.Parse(a.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ipc"
	return u.String(), nil
}

// doRequest performs an HTTP request and returns the body of a 2xx reply.
func (a *API) doRequest(method, path string) ([]byte, error) {
	req, err := http.NewRequest(method, a.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("chatd error %d: %s", resp.StatusCode, errResp.Error)
	}

	return respBody, nil
}

func (a *API) getJSON(path string, v any) error {
	body, err := a.doRequest(http.MethodGet, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// Health returns the raw health report. A degraded service is reported
// as an error.
func (a *API) Health() (json.RawMessage, error) {
	var resp json.RawMessage
	return resp, a.getJSON("/health", &resp)
}

// Snapshot returns the chat state and message lists.
func (a *API) Snapshot() (json.RawMessage, error) {
	var resp json.RawMessage
	return resp, a.getJSON("/api/snapshot", &resp)
}

// Model is one entry of the model listing.
type Model struct {
	Folder      string   `json:"folder"`
	DisplayName string   `json:"display_name"`
	Valid       bool     `json:"valid"`
	Issues      []string `json:"issues"`
	Stats       struct {
		TextureCount int `json:"texture_count"`
		MotionCount  int `json:"motion_count"`
	} `json:"stats"`
}

// Models lists the model folders chatd has scanned.
func (a *API) Models() ([]Model, error) {
	var resp struct {
		Models []Model `json:"models"`
	}
	if err := a.getJSON("/api/models", &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// Logs returns recent chatd log entries, oldest first.
func (a *API) Logs() ([]json.RawMessage, error) {
	var resp struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := a.getJSON("/logs", &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

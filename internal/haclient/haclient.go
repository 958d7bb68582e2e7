// Package haclient implements the concrete Home Assistant REST client the
// Adapter polls each tick: GET /api/states/{entity_id} and
// POST /api/services/{domain}/{service}, over plain net/http.
package haclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Client is a Home Assistant REST API client satisfying adapter.DataSource.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logrus.Logger
}

// stateResponse mirrors the subset of Home Assistant's /api/states/{id}
// response body the Adapter cares about.
type stateResponse struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

// New builds a Client from the environment. Inside a Home Assistant add-on,
// SUPERVISOR_TOKEN and the well-known supervisor proxy URL are used. Outside
// an add-on (local development), HA_URL and HA_TOKEN are read instead,
// optionally loaded from a .env file via godotenv — the way
// ryansname-powerctl's main.go loads its broker credentials.
func New(logger *logrus.Logger, timeout time.Duration) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			logger.Warnf("haclient: found .env but failed to load it: %v", err)
		}
	}

	if token := os.Getenv("SUPERVISOR_TOKEN"); token != "" {
		return &Client{
			baseURL: "http://supervisor/core",
			token:   token,
			http:    &http.Client{Timeout: timeout},
			logger:  logger,
		}, nil
	}

	baseURL := os.Getenv("HA_URL")
	token := os.Getenv("HA_TOKEN")
	if baseURL == "" || token == "" {
		return nil, fmt.Errorf("haclient: neither SUPERVISOR_TOKEN nor HA_URL/HA_TOKEN are set")
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// GetState implements adapter.DataSource.
func (c *Client) GetState(entityID string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/states/%s", c.baseURL, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Warnf("haclient: building request for %s: %v", entityID, err)
		return "", false
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debugf("haclient: GET %s failed: %v", entityID, err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debugf("haclient: GET %s returned %d", entityID, resp.StatusCode)
		return "", false
	}

	var body stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Debugf("haclient: decoding state for %s: %v", entityID, err)
		return "", false
	}

	return body.State, true
}

// CallService implements adapter.DataSource.
func (c *Client) CallService(domain, service, entityID string, value any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()

	payload := map[string]any{"entity_id": entityID}
	if value != nil {
		payload["value"] = value
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("haclient: encoding service call body: %w", err)
	}

	url := fmt.Sprintf("%s/api/services/%s/%s", c.baseURL, domain, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("haclient: building request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("haclient: POST %s/%s: %w", domain, service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("haclient: POST %s/%s returned %d", domain, service, resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
}

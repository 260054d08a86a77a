package invite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/callbridge/callbridge/internal/database/models"
)

// readyRequest is the payload sent to the gateway's POST /v1/notify endpoint.
type readyRequest struct {
	Token           string `json:"token"`
	CreatorUserID   int64  `json:"creator_user_id"`
	CreatorEndpoint string `json:"creator_endpoint"`
	JoinerEndpoint  string `json:"joiner_endpoint"`
}

// readyResponse is the response from POST /v1/notify.
type readyResponse struct {
	Delivered bool `json:"delivered"`
}

// envelope is the standard gateway response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// GatewayNotifier delivers readiness signals through an HTTP notification
// gateway, waking the creator's app so it can place the call.
type GatewayNotifier struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewGatewayNotifier creates an HTTP notifier.
// baseURL is the gateway endpoint (e.g., "https://notify.callbridge.example").
func NewGatewayNotifier(baseURL, apiKey string) *GatewayNotifier {
	return &GatewayNotifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Configured returns true if the notifier has a valid base URL and API key.
func (n *GatewayNotifier) Configured() bool {
	return n.baseURL != "" && n.apiKey != ""
}

// NotifyReady posts the pairing's readiness to the gateway.
func (n *GatewayNotifier) NotifyReady(ctx context.Context, inv *models.InviteLink) error {
	req := readyRequest{
		Token:           inv.Token,
		CreatorUserID:   inv.CreatorUserID,
		CreatorEndpoint: inv.CreatorEndpoint,
		JoinerEndpoint:  inv.JoinerEndpoint,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("notify: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/v1/notify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", n.apiKey)

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("notify: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("notify: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return fmt.Errorf("notify: gateway error (status %d): %s", resp.StatusCode, env.Error)
		}
		return fmt.Errorf("notify: gateway returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("notify: decoding response: %w", err)
	}

	var ready readyResponse
	if err := json.Unmarshal(env.Data, &ready); err != nil {
		return fmt.Errorf("notify: decoding notify response data: %w", err)
	}

	slog.Debug("readiness notification sent",
		"delivered", ready.Delivered,
		"token", inv.Token,
	)
	return nil
}

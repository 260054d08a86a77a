package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/callbridge/callbridge/internal/database"
	"github.com/callbridge/callbridge/internal/database/models"
)

// ErrNoServer indicates the user has no active registration with a reachable
// control endpoint. This is a configuration-class condition, distinct from
// transient network failures, and must not trigger automatic retries.
var ErrNoServer = errors.New("no active telephony server for user")

// ControlPlaneError is returned when the control plane is reachable but
// responds with a non-2xx status. Message carries the upstream error when the
// body was parseable JSON; Body holds the raw response otherwise.
type ControlPlaneError struct {
	Status  int
	Message string
	Body    string
}

func (e *ControlPlaneError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("control plane returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("control plane returned status %d", e.Status)
}

// Result is the classified outcome of a control-plane call. Data is nil for
// 204 responses and empty bodies.
type Result struct {
	Status int
	Data   json.RawMessage
}

// Adapter resolves which backend telephony server serves a user and issues
// authenticated control-plane requests to it. It holds no state of its own.
type Adapter struct {
	registrations database.RegistrationRepository
	servers       database.ServerRepository
	httpClient    *http.Client
}

// NewAdapter creates a control-plane adapter.
func NewAdapter(registrations database.RegistrationRepository, servers database.ServerRepository) *Adapter {
	return &Adapter{
		registrations: registrations,
		servers:       servers,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// StartCleanupLoop launches a goroutine that periodically deletes expired
// client registrations. It stops when ctx is cancelled.
func (a *Adapter) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := a.registrations.DeleteExpired(ctx)
				if err != nil {
					slog.Error("registration cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("deleted expired registrations", "count", n)
				}
			}
		}
	}()
}

// ResolveServerForUser picks the backend server behind the user's newest
// active registration. Returns ErrNoServer when the user has no active
// registration whose server has a usable control URL.
func (a *Adapter) ResolveServerForUser(ctx context.Context, userID int64) (*models.TelephonyServer, error) {
	regs, err := a.registrations.GetActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("querying registrations for user %d: %w", userID, err)
	}

	for _, reg := range regs {
		srv, err := a.servers.GetByID(ctx, reg.ServerID)
		if err != nil {
			return nil, fmt.Errorf("querying server %d: %w", reg.ServerID, err)
		}
		if srv != nil && srv.Enabled && srv.ControlURL != "" {
			return srv, nil
		}
	}

	return nil, ErrNoServer
}

// Invoke resolves the user's server and issues an HTTP request against its
// control API. Non-2xx responses return a *ControlPlaneError; a 204 or an
// empty/non-JSON content type yields a nil Data without error.
func (a *Adapter) Invoke(ctx context.Context, userID int64, method, path string, body any) (*Result, error) {
	srv, err := a.ResolveServerForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.InvokeOn(ctx, srv, method, path, body)
}

// InvokeOn issues a control-plane request against a specific server.
func (a *Adapter) InvokeOn(ctx context.Context, srv *models.TelephonyServer, method, path string, body any) (*Result, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("control: marshalling request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	url := strings.TrimSuffix(srv.ControlURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("control: creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if srv.APIKey != "" {
		req.Header.Set("X-API-Key", srv.APIKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control: sending %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("control: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cpErr := &ControlPlaneError{Status: resp.StatusCode, Body: string(respBody)}
		var parsed struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			if parsed.Error != "" {
				cpErr.Message = parsed.Error
			} else if parsed.Message != "" {
				cpErr.Message = parsed.Message
			}
		}
		return nil, cpErr
	}

	slog.Debug("control plane call",
		"server", srv.Name,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
	)

	if resp.StatusCode == http.StatusNoContent || len(respBody) == 0 || !isJSONContentType(resp.Header.Get("Content-Type")) {
		return &Result{Status: resp.StatusCode}, nil
	}

	return &Result{Status: resp.StatusCode, Data: respBody}, nil
}

func isJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// Package requestclient implements RequestClient: the authenticated
// HTTPS request/response transport used for identification, MFA,
// hardware inventory upload, update manifest checks, package download,
// and error report upload. Callers never see raw HTTP — every call
// returns a small outcome taxonomy.
package requestclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind classifies the outcome of a request, per spec.md §4.3/§7.
type Kind int

const (
	OK Kind = iota
	Timeout
	ConnectionError
	ServerError
	InvalidResponse
	AuthNotConfigured
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Timeout:
		return "timeout"
	case ConnectionError:
		return "connection_error"
	case ServerError:
		return "server_error"
	case InvalidResponse:
		return "invalid_response"
	case AuthNotConfigured:
		return "auth_not_configured"
	default:
		return "unknown"
	}
}

// Outcome is the taxonomy every RequestClient call returns. Body is the
// parsed JSON response when present; nil on a 204 or on non-OK kinds
// where no body could be parsed.
type Outcome struct {
	Kind       Kind
	StatusCode int
	Body       map[string]any
	Message    string
}

func (o Outcome) Error() string {
	return fmt.Sprintf("requestclient: %s: %s", o.Kind, o.Message)
}

const productHeader = "CMSAgent-Go"

// Client is the HTTPS RequestClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	downloadHC *http.Client
	logger     *zap.Logger

	mu       sync.RWMutex
	deviceID string
	token    string
}

// agentAPIPrefix is the fixed base path every agent endpoint hangs off,
// matching the original's urljoin(server_url, "/api/agent/") before each
// request.
const agentAPIPrefix = "/api/agent"

// New returns a Client with the given base URL and default per-request
// timeout (downloads use 4x this value). serverURL is normalized to
// include the /api/agent base path; every endpoint path passed to doJSON
// is joined onto that, not onto the raw server URL.
func New(serverURL string, requestTimeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(serverURL, "/") + agentAPIPrefix,
		httpClient: &http.Client{Timeout: requestTimeout},
		downloadHC: &http.Client{Timeout: requestTimeout * 4},
		logger:     logger,
	}
}

// SetIdentity configures the device id attached as X-Agent-Id on
// authenticated calls.
func (c *Client) SetIdentity(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = deviceID
}

// SetToken publishes the current session token. Called by
// ServerConnector whenever the token changes.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) credentials() (deviceID, token string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID, c.token
}

// Identify calls POST /identify.
func (c *Client) Identify(ctx context.Context, uniqueAgentID string, forceRenewToken bool, position map[string]any) (Outcome, error) {
	body := map[string]any{"unique_agent_id": uniqueAgentID}
	if forceRenewToken {
		body["forceRenewToken"] = true
	}
	if position != nil {
		body["positionInfo"] = position
	}
	return c.doJSON(ctx, http.MethodPost, "/identify", body, false)
}

// VerifyMFA calls POST /verify-mfa.
func (c *Client) VerifyMFA(ctx context.Context, uniqueAgentID, mfaCode string) (Outcome, error) {
	body := map[string]any{"unique_agent_id": uniqueAgentID, "mfaCode": mfaCode}
	return c.doJSON(ctx, http.MethodPost, "/verify-mfa", body, false)
}

// SendHardwareInfo calls the authenticated POST /hardware-info endpoint.
func (c *Client) SendHardwareInfo(ctx context.Context, info map[string]any) (Outcome, error) {
	return c.doJSON(ctx, http.MethodPost, "/hardware-info", info, true)
}

// CheckForUpdate calls the authenticated GET /check-update endpoint.
func (c *Client) CheckForUpdate(ctx context.Context, currentVersion string) (Outcome, error) {
	path := "/check-update?current_version=" + url.QueryEscape(currentVersion)
	return c.doJSON(ctx, http.MethodGet, path, nil, true)
}

// ReportError calls the authenticated POST /report-error endpoint.
func (c *Client) ReportError(ctx context.Context, report map[string]any) (Outcome, error) {
	return c.doJSON(ctx, http.MethodPost, "/report-error", report, true)
}

// Download streams the authenticated GET endpoint at downloadURL (which
// may be relative to the base URL or absolute) to destPath, writing to a
// sibling temp file and atomically renaming on completion. On any
// failure the temp file is removed.
func (c *Client) Download(ctx context.Context, downloadURL, destPath string) (Outcome, error) {
	deviceID, token := c.credentials()
	if token == "" {
		return Outcome{Kind: AuthNotConfigured, Message: "no session token configured"}, errors.New("requestclient: auth_not_configured")
	}

	full := downloadURL
	if !isAbsoluteURL(downloadURL) {
		full = c.baseURL + downloadURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return Outcome{Kind: InvalidResponse, Message: err.Error()}, err
	}
	req.Header.Set("X-Agent-Id", deviceID)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", productHeader)

	resp, err := c.downloadHC.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readErrorBody(resp)
		return Outcome{Kind: ServerError, StatusCode: resp.StatusCode, Body: body}, fmt.Errorf("requestclient: download failed with status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o700); err != nil {
		return Outcome{Kind: InvalidResponse, Message: err.Error()}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return Outcome{Kind: InvalidResponse, Message: err.Error()}, err
	}
	tmpName := tmp.Name()

	written, copyErr := c.copyWithProgress(tmp, resp.Body, resp.ContentLength)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if copyErr != nil {
			return Outcome{Kind: ConnectionError, Message: copyErr.Error()}, copyErr
		}
		return Outcome{Kind: InvalidResponse, Message: closeErr.Error()}, closeErr
	}

	if err := os.Rename(tmpName, destPath); err != nil {
		os.Remove(tmpName)
		return Outcome{Kind: InvalidResponse, Message: err.Error()}, err
	}

	c.logger.Debug("download complete", zap.String("dest", destPath), zap.Int64("bytes", written))
	return Outcome{Kind: OK}, nil
}

// copyWithProgress copies src to dst, logging progress every ~3 seconds.
func (c *Client) copyWithProgress(dst io.Writer, src io.Reader, contentLength int64) (int64, error) {
	var total int64
	buf := make([]byte, 32*1024)
	lastLog := time.Now()

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if time.Since(lastLog) >= 3*time.Second {
				if contentLength > 0 {
					c.logger.Info("download progress", zap.Int64("bytes", total), zap.Int64("total", contentLength))
				} else {
					c.logger.Info("download progress", zap.Int64("bytes", total))
				}
				lastLog = time.Now()
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// doJSON issues a JSON request/response call and classifies the result.
func (c *Client) doJSON(ctx context.Context, method, path string, body map[string]any, authenticated bool) (Outcome, error) {
	deviceID, token := c.credentials()
	if authenticated && token == "" {
		return Outcome{Kind: AuthNotConfigured, Message: "no session token configured"}, errors.New("requestclient: auth_not_configured")
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Outcome{Kind: InvalidResponse, Message: err.Error()}, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return Outcome{Kind: InvalidResponse, Message: err.Error()}, err
	}
	req.Header.Set("User-Agent", productHeader)
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		req.Header.Set("X-Agent-Id", deviceID)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return Outcome{Kind: OK, StatusCode: resp.StatusCode}, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Kind: InvalidResponse, Message: err.Error()}, err
	}

	var parsed map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return Outcome{Kind: InvalidResponse, StatusCode: resp.StatusCode, Message: "response body is not valid JSON"}, fmt.Errorf("requestclient: %w", err)
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Outcome{Kind: OK, StatusCode: resp.StatusCode, Body: parsed}, nil
	}

	return Outcome{Kind: ServerError, StatusCode: resp.StatusCode, Body: parsed}, fmt.Errorf("requestclient: server returned status %d", resp.StatusCode)
}

func classifyTransportError(err error) (Outcome, error) {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Outcome{Kind: Timeout, Message: err.Error()}, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: Timeout, Message: err.Error()}, err
	}
	return Outcome{Kind: ConnectionError, Message: err.Error()}, err
}

func readErrorBody(resp *http.Response) map[string]any {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil
	}
	var parsed map[string]any
	if json.Unmarshal(raw, &parsed) == nil {
		return parsed
	}
	return nil
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}

package antigravity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultUserAgent = "antigravity/1.0.0"

	apiClientHeader      = "gl-node/22.17.0"
	clientMetadataHeader = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"

	streamGeneratePath = "/v1internal:streamGenerateContent?alt=sse"
	generatePath       = "/v1internal:generateContent"
	countTokensPath    = "/v1internal:countTokens"
	fetchModelsPath    = "/v1internal:fetchAvailableModels"

	oauthAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	oauthTokenURL = "https://oauth2.googleapis.com/token"
	oauthScopes   = "https://www.googleapis.com/auth/cloud-platform email profile"
)

// baseURLFallbackOrder: the primary endpoint first, the daily channels as
// fallbacks on connect errors.
var baseURLFallbackOrder = []string{
	"https://cloudcode-pa.googleapis.com",
	"https://daily-cloudcode-pa.googleapis.com",
	"https://daily-cloudcode-pa.sandbox.googleapis.com",
}

// UpstreamError carries a non-2xx upstream response.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, truncate(e.Body, 512))
}

// OAuthError is a structured token-endpoint failure. Code follows RFC 6749
// ("invalid_grant", "invalid_client", ...).
type OAuthError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("oauth token endpoint %d: %s (%s)", e.StatusCode, e.Code, e.Description)
}

// IsInvalidGrant reports a permanently rejected refresh credential.
func (e *OAuthError) IsInvalidGrant() bool { return e.Code == "invalid_grant" }

// TokenResponse is the token endpoint's successful payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// ModelQuotaInfo is one model's quota snapshot from fetchAvailableModels.
type ModelQuotaInfo struct {
	RemainingFraction float64
	ResetTime         time.Time
}

// Client talks to the Cloud Code internal API and the Google OAuth token
// endpoint on behalf of one process.
type Client struct {
	http      *http.Client
	userAgent string
}

func NewClient(timeout time.Duration, userAgent string) *Client {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (c *Client) newRequest(ctx context.Context, baseURL, path, accessToken string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Goog-Api-Client", apiClientHeader)
	req.Header.Set("Client-Metadata", clientMetadataHeader)
	return req, nil
}

// StreamGenerate opens the SSE chat call and returns the raw response; the
// caller owns the body. A non-2xx status is drained into an UpstreamError.
func (c *Client) StreamGenerate(ctx context.Context, accessToken string, envelope map[string]any) (*http.Response, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := c.newRequest(ctx, baseURLFallbackOrder[0], streamGeneratePath, accessToken, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, nil
}

// Generate performs the non-streaming chat/image call.
func (c *Client) Generate(ctx context.Context, accessToken string, envelope map[string]any) ([]byte, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return c.postJSON(ctx, generatePath, accessToken, body)
}

// CountTokens asks the upstream for a prompt token count; used as a usage
// fallback when a stream carries no usageMetadata.
func (c *Client) CountTokens(ctx context.Context, accessToken, projectID, model string, contents []map[string]any) (int, error) {
	payload := map[string]any{
		"model":   model,
		"project": projectID,
		"request": map[string]any{"contents": contents},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	raw, err := c.postJSON(ctx, countTokensPath, accessToken, body)
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(raw, "totalTokens").Int()), nil
}

// FetchAvailableModels probes the account's per-model quota. It returns the
// raw payload (callers hash it to skip no-op persists) and the parsed
// snapshot. Connect errors rotate through the base URL fallback order.
func (c *Client) FetchAvailableModels(ctx context.Context, accessToken, projectID string) ([]byte, map[string]ModelQuotaInfo, error) {
	body, err := json.Marshal(map[string]any{"project": projectID})
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for _, baseURL := range baseURLFallbackOrder {
		req, err := c.newRequest(ctx, baseURL, fetchModelsPath, accessToken, body)
		if err != nil {
			return nil, nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
		}
		return raw, parseModelQuotas(raw), nil
	}
	return nil, nil, fmt.Errorf("fetchAvailableModels: all endpoints unreachable: %w", lastErr)
}

func parseModelQuotas(raw []byte) map[string]ModelQuotaInfo {
	quotas := make(map[string]ModelQuotaInfo)
	gjson.GetBytes(raw, "models").ForEach(func(name, info gjson.Result) bool {
		qi := info.Get("quotaInfo")
		if !qi.Exists() {
			return true
		}
		entry := ModelQuotaInfo{RemainingFraction: qi.Get("remainingFraction").Float()}
		if reset := qi.Get("resetTime").String(); reset != "" {
			if t, err := time.Parse(time.RFC3339, reset); err == nil {
				entry.ResetTime = t
			}
		}
		quotas[name.String()] = entry
		return true
	})
	return quotas
}

func (c *Client) postJSON(ctx context.Context, path, accessToken string, body []byte) ([]byte, error) {
	req, err := c.newRequest(ctx, baseURLFallbackOrder[0], path, accessToken, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// BuildAuthURL constructs the provider authorization URL for a pending OAuth
// handshake keyed by state.
func BuildAuthURL(clientID, redirectURI, state string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", oauthScopes)
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	q.Set("state", state)
	return oauthAuthURL + "?" + q.Encode()
}

// ExchangeCode swaps an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return c.postTokenForm(ctx, form)
}

// RefreshToken exchanges a refresh credential for a fresh access token.
func (c *Client) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.postTokenForm(ctx, form)
}

func (c *Client) postTokenForm(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &OAuthError{
			StatusCode:  resp.StatusCode,
			Code:        gjson.GetBytes(raw, "error").String(),
			Description: gjson.GetBytes(raw, "error_description").String(),
		}
	}
	var token TokenResponse
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &token, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"gravity2api/internal/pkg/antigravity"
)

const defaultProbeModel = "gemini-2.5-flash"

// ProbeResult is the admin-facing outcome of one connectivity probe.
type ProbeResult struct {
	AccountID int64  `json:"account_id"`
	Model     string `json:"model"`
	Success   bool   `json:"success"`
	LatencyMS int64  `json:"latency_ms"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AccountProbeService sends a one-shot "hi" exchange through an account so
// operators can verify credentials and upstream reachability without touching
// user traffic.
type AccountProbeService struct {
	accountRepo AccountRepository
	tokens      *TokenService
	upstream    UpstreamAPI
	userAgent   string
	logger      *zap.Logger
}

func NewAccountProbeService(accountRepo AccountRepository, tokens *TokenService, upstream UpstreamAPI, userAgent string, logger *zap.Logger) *AccountProbeService {
	return &AccountProbeService{
		accountRepo: accountRepo,
		tokens:      tokens,
		upstream:    upstream,
		userAgent:   userAgent,
		logger:      logger,
	}
}

// Probe runs the connectivity check. modelID is optional; when empty a cheap
// default model is used.
func (s *AccountProbeService) Probe(ctx context.Context, accountID int64, modelID string) (*ProbeResult, error) {
	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: account %d", ErrNotFound, accountID)
	}

	if modelID == "" {
		modelID = defaultProbeModel
	}
	mc, ok := antigravity.LookupModel(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", antigravity.ErrUnsupportedModel, modelID)
	}

	result := &ProbeResult{AccountID: accountID, Model: modelID}

	if err := s.tokens.EnsureFresh(ctx, account); err != nil {
		result.Error = err.Error()
		return result, nil
	}

	maxTokens := 64
	if mc.MinOutputTokens > 0 {
		maxTokens = mc.MinOutputTokens
	}
	req := &antigravity.ChatRequest{
		Model: modelID,
		Messages: []antigravity.ChatMessage{
			{Role: "user", Content: "hi"},
		},
		MaxTokens: &maxTokens,
	}
	envelope, err := antigravity.BuildRequest(req, antigravity.RouteInfo{
		ProjectID: account.ProjectID,
		SessionID: uuid.NewString(),
		UserAgent: s.userAgent,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := s.upstream.Generate(ctx, account.AccessToken, envelope)
	result.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		var ue *antigravity.UpstreamError
		if errors.As(err, &ue) {
			result.Error = fmt.Sprintf("upstream %d: %s", ue.StatusCode, ue.Body)
		} else {
			result.Error = err.Error()
		}
		s.logger.Info("account probe failed",
			zap.Int64("account_id", accountID), zap.String("error", result.Error))
		return result, nil
	}

	result.Success = true
	if text := gjson.GetBytes(raw, "response.candidates.0.content.parts.0.text"); text.Exists() {
		result.Text = text.String()
	} else if text := gjson.GetBytes(raw, "candidates.0.content.parts.0.text"); text.Exists() {
		result.Text = text.String()
	}
	return result, nil
}

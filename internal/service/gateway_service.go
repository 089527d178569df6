package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"gravity2api/internal/config"
	"gravity2api/internal/pkg/antigravity"
)

const (
	stickySessionTTL = time.Hour
	signatureTTL     = time.Hour
	finalizeTimeout  = 30 * time.Second
)

// GatewayService composes selection, translation, the upstream call, stream
// reassembly, and quota finalization for one exchange.
type GatewayService struct {
	selector    *AccountSelector
	accountRepo AccountRepository
	quota       *QuotaService
	tokens      *TokenService
	upstream    UpstreamAPI
	cache       GatewayCache
	cfg         *config.Config
	logger      *zap.Logger
}

func NewGatewayService(
	selector *AccountSelector,
	accountRepo AccountRepository,
	quota *QuotaService,
	tokens *TokenService,
	upstream UpstreamAPI,
	cache GatewayCache,
	cfg *config.Config,
	logger *zap.Logger,
) *GatewayService {
	return &GatewayService{
		selector:    selector,
		accountRepo: accountRepo,
		quota:       quota,
		tokens:      tokens,
		upstream:    upstream,
		cache:       cache,
		cfg:         cfg,
		logger:      logger,
	}
}

// SessionID derives a stable session key from the caller's session header,
// falling back to a hash of the first message so multi-turn callers without
// the header still get signature continuity.
func (s *GatewayService) SessionID(c *gin.Context, req *antigravity.ChatRequest) string {
	if sid := c.GetHeader("session_id"); sid != "" {
		sum := sha256.Sum256([]byte(sid))
		return hex.EncodeToString(sum[:16])
	}
	if len(req.Messages) > 0 {
		raw, _ := json.Marshal(req.Messages[0])
		sum := sha256.Sum256(raw)
		return hex.EncodeToString(sum[:16])
	}
	return uuid.NewString()
}

// ListModels returns the caller-facing model identifiers and opportunistically
// kicks a refresh of stale quota snapshots.
func (s *GatewayService) ListModels(ctx context.Context) []gin.H {
	go func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.quota.SweepStaleSnapshots(sweepCtx)
	}()

	names := antigravity.PublicModels()
	models := make([]gin.H, 0, len(names))
	for _, name := range names {
		models = append(models, gin.H{
			"id":       name,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "antigravity",
		})
	}
	return models
}

// upstreamExchange carries the state of one accepted upstream call from
// selection through relay to finalization.
type upstreamExchange struct {
	account     *Account
	resp        *http.Response
	before      float64
	beforeKnown bool
	contents    []map[string]any
	cancel      context.CancelFunc
}

// ChatCompletion serves one /v1/chat/completions exchange, streaming or not.
// Errors returned here occurred before any bytes reached the caller and can
// still become structured responses; once relaying starts, failures are
// injected into the stream instead.
func (s *GatewayService) ChatCompletion(c *gin.Context, user *User, req *antigravity.ChatRequest) error {
	mc, ok := antigravity.LookupModel(req.Model)
	if !ok || antigravity.IsInternalModel(req.Model) {
		return fmt.Errorf("%w: %q", antigravity.ErrUnsupportedModel, req.Model)
	}

	ctx := c.Request.Context()
	sessionID := s.SessionID(c, req)
	storedSig, _ := s.cache.GetSignature(ctx, sessionID)

	ex, err := s.openUpstream(ctx, user, req, mc, sessionID, storedSig)
	if err != nil {
		return err
	}
	defer ex.cancel()
	defer ex.resp.Body.Close()

	re := antigravity.NewReassembler()
	if req.Stream {
		s.relayStream(c, re, ex, req.Model, mc)
	} else if !s.relayJSON(c, re, ex, req.Model, mc) {
		// Aborted before anything was written; the structured error response
		// has been sent and the exchange is not recorded as completed.
		return nil
	}

	s.finalizeAsync(ex, user, mc, sessionID, re.Signature())
	return nil
}

// openUpstream runs the selection/retry loop until a candidate accepts the
// call. 403 disables the account and re-selects transparently; 401 and 5xx
// exclude and re-select; 429 surfaces as quota exhaustion because the gateway
// does not fail over once a response could have started.
func (s *GatewayService) openUpstream(ctx context.Context, user *User, req *antigravity.ChatRequest, mc antigravity.ModelCapability, sessionID, storedSig string) (*upstreamExchange, error) {
	excluded := make(map[int64]struct{})
	sessionKey := "ag:" + sessionID

	sticky := s.stickyAccount(ctx, sessionKey, user, mc)

	for {
		var account *Account
		if sticky != nil {
			account, sticky = sticky, nil
		} else {
			var err error
			account, err = s.selector.SelectAccount(ctx, user.ID, req.Model, user.PreferShared, excluded)
			if err != nil {
				return nil, err
			}
		}

		route := antigravity.RouteInfo{
			ProjectID:       account.ProjectID,
			SessionID:       sessionID,
			UserAgent:       s.cfg.Antigravity.UserAgent,
			StoredSignature: storedSig,
		}
		envelope, err := antigravity.BuildRequest(req, route)
		if err != nil {
			return nil, err
		}

		before, beforeKnown := s.quota.ModelQuotaFraction(ctx, account, mc.Upstream)

		// The upstream call gets its own deadline, independent of the
		// caller's connection, so quota accounting can still complete after
		// an early disconnect.
		upstreamCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Antigravity.RequestTimeout)
		resp, err := s.upstream.StreamGenerate(upstreamCtx, account.AccessToken, envelope)
		if err == nil {
			return &upstreamExchange{
				account:     account,
				resp:        resp,
				before:      before,
				beforeKnown: beforeKnown,
				contents:    requestContents(envelope),
				cancel:      cancel,
			}, nil
		}
		cancel()

		var ue *antigravity.UpstreamError
		if !errors.As(err, &ue) {
			return nil, fmt.Errorf("upstream call: %w", err)
		}
		switch {
		case ue.StatusCode == http.StatusForbidden:
			s.logger.Warn("upstream rejected account credentials, disabling",
				zap.Int64("account_id", account.ID))
			if derr := s.accountRepo.Disable(ctx, account.ID, false); derr != nil {
				s.logger.Error("disable account failed", zap.Int64("account_id", account.ID), zap.Error(derr))
			}
			excluded[account.ID] = struct{}{}
		case ue.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: account %d", ErrQuotaExhausted, account.ID)
		case ue.StatusCode == http.StatusUnauthorized || ue.StatusCode >= 500:
			s.logger.Info("upstream error, excluding account and re-selecting",
				zap.Int64("account_id", account.ID), zap.Int("status", ue.StatusCode))
			excluded[account.ID] = struct{}{}
		default:
			return nil, &UpstreamFailoverError{StatusCode: ue.StatusCode, Body: ue.Body}
		}
	}
}

// requestContents pulls the translated contents back out of the envelope for
// the countTokens usage fallback.
func requestContents(envelope map[string]any) []map[string]any {
	inner, _ := envelope["request"].(map[string]any)
	contents, _ := inner["contents"].([]map[string]any)
	return contents
}

// stickyAccount resolves a pinned session account, subject to the same quota
// eligibility the selector applies; an exhausted or unavailable pin falls
// through to normal selection.
func (s *GatewayService) stickyAccount(ctx context.Context, sessionKey string, user *User, mc antigravity.ModelCapability) *Account {
	id, err := s.cache.GetSessionAccountID(ctx, sessionKey)
	if err != nil || id <= 0 {
		return nil
	}
	account, err := s.accountRepo.GetByID(ctx, id)
	if err != nil || account == nil || !account.Enabled {
		return nil
	}
	if !s.quota.IsModelAvailable(ctx, account, mc.Upstream) {
		return nil
	}
	if account.IsShared && !s.quota.UserSharedPoolHasQuota(ctx, user.ID, mc.QuotaGroup) {
		return nil
	}
	if err := s.tokens.EnsureFresh(ctx, account); err != nil {
		return nil
	}
	return account
}

// relayStream converts reassembled events into OpenAI chat.completion.chunk
// frames. Mid-stream failures become a terminal error-flavored delta; the
// response status is never changed once streaming began.
func (s *GatewayService) relayStream(c *gin.Context, re *antigravity.Reassembler, ex *upstreamExchange, model string, mc antigravity.ModelCapability) {
	body := ex.resp.Body
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	completionID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	sawToolCalls := false
	toolIndex := 0

	writeChunk := func(delta gin.H, finishReason any) {
		chunk := gin.H{
			"id":      completionID,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []gin.H{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishReason,
			}},
		}
		raw, _ := json.Marshal(chunk)
		_, _ = c.Writer.Write([]byte("data: "))
		_, _ = c.Writer.Write(raw)
		_, _ = c.Writer.Write([]byte("\n\n"))
		c.Writer.Flush()
	}

	writeChunk(gin.H{"role": "assistant"}, nil)

	handle := func(events []antigravity.StreamEvent) bool {
		for _, ev := range events {
			switch ev.Type {
			case antigravity.EventText:
				writeChunk(gin.H{"content": ev.Text}, nil)
			case antigravity.EventReasoning:
				writeChunk(gin.H{"reasoning_content": ev.Text}, nil)
			case antigravity.EventImage:
				writeChunk(gin.H{"content": inlineImageMarkdown(ev.Image)}, nil)
			case antigravity.EventToolCalls:
				sawToolCalls = true
				calls := make([]gin.H, 0, len(ev.ToolCalls))
				for _, call := range ev.ToolCalls {
					calls = append(calls, gin.H{
						"index": toolIndex,
						"id":    call.ID,
						"type":  "function",
						"function": gin.H{
							"name":      call.Name,
							"arguments": call.Arguments,
						},
					})
					toolIndex++
				}
				writeChunk(gin.H{"tool_calls": calls}, nil)
			case antigravity.EventError:
				s.logger.Warn("upstream error mid-stream", zap.String("detail", ev.Message))
				writeChunk(gin.H{}, "error")
				_, _ = c.Writer.Write([]byte("data: [DONE]\n\n"))
				c.Writer.Flush()
				return false
			}
		}
		return true
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if !handle(re.Feed(buf[:n])) {
				return
			}
		}
		if err == io.EOF {
			if !handle(re.Close()) {
				return
			}
			break
		}
		if err != nil {
			s.logger.Warn("upstream read failed mid-stream", zap.Error(err))
			writeChunk(gin.H{}, "error")
			_, _ = c.Writer.Write([]byte("data: [DONE]\n\n"))
			c.Writer.Flush()
			return
		}
	}

	usage := s.usage(re, ex, mc)
	finish := openAIFinishReason(re.FinishReason(), sawToolCalls)
	final := gin.H{
		"id":      completionID,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []gin.H{{
			"index":         0,
			"delta":         gin.H{},
			"finish_reason": finish,
		}},
		"usage": usage,
	}
	raw, _ := json.Marshal(final)
	_, _ = c.Writer.Write([]byte("data: "))
	_, _ = c.Writer.Write(raw)
	_, _ = c.Writer.Write([]byte("\n\ndata: [DONE]\n\n"))
	c.Writer.Flush()
}

// relayJSON consumes the same upstream stream and aggregates it into one
// completion object, so the usage computation is identical to the streaming
// path. In aggregate mode nothing has been written to the caller yet, so an
// upstream error record aborts the exchange with a structured response;
// relayJSON reports whether the completion was delivered.
func (s *GatewayService) relayJSON(c *gin.Context, re *antigravity.Reassembler, ex *upstreamExchange, model string, mc antigravity.ModelCapability) bool {
	body := ex.resp.Body
	var content, reasoning strings.Builder
	var toolCalls []gin.H
	toolIndex := 0

	consume := func(events []antigravity.StreamEvent) bool {
		for _, ev := range events {
			switch ev.Type {
			case antigravity.EventText:
				content.WriteString(ev.Text)
			case antigravity.EventReasoning:
				reasoning.WriteString(ev.Text)
			case antigravity.EventImage:
				content.WriteString(inlineImageMarkdown(ev.Image))
			case antigravity.EventToolCalls:
				for _, call := range ev.ToolCalls {
					toolCalls = append(toolCalls, gin.H{
						"index": toolIndex,
						"id":    call.ID,
						"type":  "function",
						"function": gin.H{
							"name":      call.Name,
							"arguments": call.Arguments,
						},
					})
					toolIndex++
				}
			case antigravity.EventError:
				s.logger.Warn("upstream error in aggregate mode", zap.String("detail", ev.Message))
				c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{
					"type":    "upstream_error",
					"message": ev.Message,
				}})
				return false
			}
		}
		return true
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if !consume(re.Feed(buf[:n])) {
				return false
			}
		}
		if err == io.EOF {
			if !consume(re.Close()) {
				return false
			}
			break
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{
				"type":    "upstream_error",
				"message": "upstream stream interrupted",
			}})
			return false
		}
	}

	message := gin.H{"role": "assistant", "content": content.String()}
	if reasoning.Len() > 0 {
		message["reasoning_content"] = reasoning.String()
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []gin.H{{
			"index":         0,
			"message":       message,
			"finish_reason": openAIFinishReason(re.FinishReason(), len(toolCalls) > 0),
		}},
		"usage": s.usage(re, ex, mc),
	})
	return true
}

// GenerateImage serves the Gemini-shaped image endpoint against the
// non-stream upstream call and returns the inner Gemini response document.
func (s *GatewayService) GenerateImage(c *gin.Context, user *User, model string, body map[string]any) ([]byte, error) {
	mc, ok := antigravity.LookupModel(model)
	if !ok || !mc.IsImage {
		return nil, fmt.Errorf("%w: %q is not an image model", antigravity.ErrUnsupportedModel, model)
	}

	ctx := c.Request.Context()
	sessionID := uuid.NewString()
	excluded := make(map[int64]struct{})

	for {
		account, err := s.selector.SelectAccount(ctx, user.ID, model, user.PreferShared, excluded)
		if err != nil {
			return nil, err
		}
		route := antigravity.RouteInfo{
			ProjectID: account.ProjectID,
			SessionID: sessionID,
			UserAgent: s.cfg.Antigravity.UserAgent,
		}
		envelope, err := antigravity.BuildImageRequest(body, model, route)
		if err != nil {
			return nil, err
		}

		before, beforeKnown := s.quota.ModelQuotaFraction(ctx, account, mc.Upstream)
		upstreamCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Antigravity.RequestTimeout)
		raw, err := s.upstream.Generate(upstreamCtx, account.AccessToken, envelope)
		cancel()
		if err == nil {
			s.finalizeAsync(&upstreamExchange{account: account, before: before, beforeKnown: beforeKnown}, user, mc, sessionID, "")
			if inner := gjson.GetBytes(raw, "response"); inner.Exists() {
				raw = []byte(inner.Raw)
			}
			// The document reports the internal upstream name; rewrite it to
			// the alias the caller requested.
			if gjson.GetBytes(raw, "modelVersion").Exists() {
				if rewritten, serr := sjson.SetBytes(raw, "modelVersion", model); serr == nil {
					raw = rewritten
				}
			}
			return raw, nil
		}

		var ue *antigravity.UpstreamError
		if !errors.As(err, &ue) {
			return nil, fmt.Errorf("upstream call: %w", err)
		}
		switch {
		case ue.StatusCode == http.StatusForbidden:
			if derr := s.accountRepo.Disable(ctx, account.ID, false); derr != nil {
				s.logger.Error("disable account failed", zap.Int64("account_id", account.ID), zap.Error(derr))
			}
			excluded[account.ID] = struct{}{}
		case ue.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: account %d", ErrQuotaExhausted, account.ID)
		case ue.StatusCode == http.StatusUnauthorized || ue.StatusCode >= 500:
			excluded[account.ID] = struct{}{}
		default:
			return nil, &UpstreamFailoverError{StatusCode: ue.StatusCode, Body: ue.Body}
		}
	}
}

// usage prefers the upstream's usageMetadata; when a stream carried none, a
// countTokens probe supplies the prompt side so both response paths stay
// consistent.
func (s *GatewayService) usage(re *antigravity.Reassembler, ex *upstreamExchange, mc antigravity.ModelCapability) gin.H {
	if u := re.Usage(); u != nil {
		return gin.H{
			"prompt_tokens":     u.PromptTokens,
			"completion_tokens": u.CompletionTokens,
			"total_tokens":      u.TotalTokens,
		}
	}
	prompt := 0
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n, err := s.upstream.CountTokens(ctx, ex.account.AccessToken, ex.account.ProjectID, mc.Upstream, ex.contents); err == nil {
		prompt = n
	}
	return gin.H{
		"prompt_tokens":     prompt,
		"completion_tokens": 0,
		"total_tokens":      prompt,
	}
}

// finalizeAsync runs quota bookkeeping off the request path: persist the
// captured signature, re-probe quota, record consumption, refresh the sticky
// session. Failures are logged, never surfaced.
func (s *GatewayService) finalizeAsync(ex *upstreamExchange, user *User, mc antigravity.ModelCapability, sessionID, signature string) {
	acc := *ex.account
	before, beforeKnown := ex.before, ex.beforeKnown
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()

		if signature != "" {
			if err := s.cache.SetSignature(ctx, sessionID, signature, signatureTTL); err != nil {
				s.logger.Warn("store thought signature failed", zap.Error(err))
			}
		}
		if err := s.cache.SetSessionAccountID(ctx, "ag:"+sessionID, acc.ID, stickySessionTTL); err != nil {
			s.logger.Warn("store sticky session failed", zap.Error(err))
		}

		if err := s.quota.RefreshAccountQuota(ctx, &acc); err != nil {
			s.logger.Warn("post-exchange quota refresh failed",
				zap.Int64("account_id", acc.ID), zap.Error(err))
			return
		}
		if !beforeKnown {
			// Ledger rows need both figures; an unknown pre-exchange balance
			// is skipped the same as an unknown post-exchange one.
			return
		}
		after, ok := s.quota.ModelQuotaFraction(ctx, &acc, mc.Upstream)
		if !ok {
			return
		}
		s.quota.ConsumeAndRecord(ctx, user.ID, acc.ID, mc.Upstream, before, after, acc.IsShared)
	}()
}

func inlineImageMarkdown(img *antigravity.InlineImage) string {
	if img == nil {
		return ""
	}
	return fmt.Sprintf("![image](data:%s;base64,%s)", img.MimeType, img.Data)
}

func openAIFinishReason(upstream string, sawToolCalls bool) string {
	if sawToolCalls {
		return "tool_calls"
	}
	switch upstream {
	case "", "STOP", "FINISH_REASON_UNSPECIFIED":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}

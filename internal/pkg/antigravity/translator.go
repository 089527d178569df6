package antigravity

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrUnsupportedModel marks requests that are rejected before any upstream
// call: unknown model names, internal completion models, or a parameter the
// model variant refuses.
var ErrUnsupportedModel = errors.New("unsupported model request")

// ChatMessage is one caller-facing chat turn (OpenAI shape, already parsed).
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ChatRequest is the translated subset of a /v1/chat/completions body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Tools       []any         `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	TopK        *int          `json:"top_k,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"-"`
}

// RouteInfo carries the account attributes the envelope needs.
type RouteInfo struct {
	ProjectID string
	SessionID string
	UserAgent string
	// StoredSignature is the most recent thought signature persisted for this
	// session, empty when none has been captured yet.
	StoredSignature string
}

var (
	dataURIRe = regexp.MustCompile(`^data:(image/[a-zA-Z0-9.+-]+);base64,(.+)$`)
	thinkRe   = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
)

// BuildRequest converts a chat request into the upstream envelope. It returns
// ErrUnsupportedModel (wrapped with a reason) without touching the network
// when the model or a model×parameter combination is not servable.
func BuildRequest(req *ChatRequest, route RouteInfo) (map[string]any, error) {
	if IsInternalModel(req.Model) {
		return nil, fmt.Errorf("%w: %q is an internal completion model", ErrUnsupportedModel, req.Model)
	}
	mc, ok := LookupModel(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", ErrUnsupportedModel, req.Model)
	}
	if err := checkRejectedParams(req, mc); err != nil {
		return nil, err
	}

	contents, systemParts := convertMessages(req.Messages, mc, route.StoredSignature)

	inner := map[string]any{
		"contents":         contents,
		"generationConfig": buildGenerationConfig(req, mc),
		"sessionId":        route.SessionID,
	}
	if len(systemParts) > 0 {
		inner["systemInstruction"] = map[string]any{"role": "user", "parts": systemParts}
	}
	if decls := NormalizeToolDeclarations(req.Tools); len(decls) > 0 {
		inner["tools"] = []map[string]any{{"functionDeclarations": decls}}
		inner["toolConfig"] = map[string]any{
			"functionCallingConfig": map[string]any{"mode": "VALIDATED"},
		}
	}

	return wrapEnvelope(mc.Upstream, route, inner), nil
}

// BuildImageRequest wraps a Gemini-shaped image generation request
// (contents[] plus generationConfig.imageConfig) into the upstream envelope.
func BuildImageRequest(body map[string]any, model string, route RouteInfo) (map[string]any, error) {
	mc, ok := LookupModel(model)
	if !ok || !mc.IsImage {
		return nil, fmt.Errorf("%w: %q is not an image model", ErrUnsupportedModel, model)
	}

	contents, _ := body["contents"].([]any)
	if len(contents) == 0 {
		contents = []any{map[string]any{
			"role":  "user",
			"parts": []any{map[string]any{"text": ""}},
		}}
	}
	genConfig := map[string]any{"candidateCount": 1}
	if gc, ok := body["generationConfig"].(map[string]any); ok {
		for k, v := range gc {
			genConfig[k] = v
		}
	}

	inner := map[string]any{
		"contents":         contents,
		"generationConfig": genConfig,
		"sessionId":        route.SessionID,
	}
	return wrapEnvelope(mc.Upstream, route, inner), nil
}

func wrapEnvelope(upstreamModel string, route RouteInfo, inner map[string]any) map[string]any {
	userAgent := route.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return map[string]any{
		"model":       upstreamModel,
		"project":     route.ProjectID,
		"requestId":   "agent-" + uuid.NewString(),
		"userAgent":   userAgent,
		"requestType": "agent",
		"request":     inner,
	}
}

func checkRejectedParams(req *ChatRequest, mc ModelCapability) error {
	for _, param := range mc.RejectedParams {
		switch param {
		case "tools":
			if len(req.Tools) > 0 {
				return fmt.Errorf("%w: model %q does not accept tools", ErrUnsupportedModel, req.Model)
			}
		case "stop":
			if len(req.Stop) > 0 {
				return fmt.Errorf("%w: model %q does not accept stop sequences", ErrUnsupportedModel, req.Model)
			}
		case "top_k":
			if req.TopK != nil {
				return fmt.Errorf("%w: model %q does not accept top_k", ErrUnsupportedModel, req.Model)
			}
		}
	}
	return nil
}

// convertMessages maps caller turns onto upstream contents. System turns are
// collected separately into systemInstruction parts.
func convertMessages(messages []ChatMessage, mc ModelCapability, storedSignature string) ([]map[string]any, []map[string]any) {
	contents := make([]map[string]any, 0, len(messages))
	systemParts := make([]map[string]any, 0, 1)

	hasToolInteraction := false
	for _, msg := range messages {
		if len(msg.ToolCalls) > 0 || msg.Role == "tool" {
			hasToolInteraction = true
			break
		}
	}

	lastAssistant := -1
	for i, msg := range messages {
		if msg.Role == "assistant" {
			lastAssistant = i
		}
	}

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case "system", "developer":
			text := flattenText(msg.Content)
			systemParts = append(systemParts, map[string]any{"text": text})
		case "user":
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": userParts(msg.Content),
			})
		case "assistant":
			parts := assistantParts(msg, mc, i == lastAssistant)
			if mc.SupportsThinking && hasToolInteraction && len(msg.ToolCalls) > 0 {
				parts = injectSignature(parts, storedSignature)
			}
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": parts,
			})
		case "tool":
			// Coalesce consecutive tool results into one upstream turn.
			parts := make([]any, 0, 1)
			for i < len(messages) && messages[i].Role == "tool" {
				parts = append(parts, toolResponsePart(messages, i))
				i++
			}
			i--
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": parts,
			})
		}
	}

	if len(contents) == 0 {
		contents = append(contents, map[string]any{
			"role":  "user",
			"parts": []any{map[string]any{"text": ""}},
		})
	}
	return contents, systemParts
}

// userParts splits multimodal content into text and inline-image parts. An
// empty result still yields one empty-text part so no turn is content-less.
func userParts(content any) []any {
	parts := make([]any, 0, 1)
	switch c := content.(type) {
	case string:
		parts = append(parts, map[string]any{"text": c})
	case []any:
		for _, item := range c {
			seg, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch seg["type"] {
			case "text":
				if text, ok := seg["text"].(string); ok {
					parts = append(parts, map[string]any{"text": text})
				}
			case "image_url":
				if img := inlineImagePart(seg); img != nil {
					parts = append(parts, img)
				}
			}
		}
	}
	if len(parts) == 0 {
		parts = append(parts, map[string]any{"text": ""})
	}
	return parts
}

func inlineImagePart(seg map[string]any) map[string]any {
	wrapper, ok := seg["image_url"].(map[string]any)
	if !ok {
		return nil
	}
	url, _ := wrapper["url"].(string)
	m := dataURIRe.FindStringSubmatch(url)
	if m == nil {
		return nil
	}
	return map[string]any{
		"inlineData": map[string]any{
			"mimeType": m[1],
			"data":     m[2],
		},
	}
}

// assistantParts extracts <think> spans into thought parts, converts tool
// calls into functionCall parts, and — when thinking mode is active — tags
// every plain text part of the final assistant turn explicitly, because the
// upstream rejects ambiguous turns.
func assistantParts(msg ChatMessage, mc ModelCapability, isFinal bool) []any {
	parts := make([]any, 0, 2)

	text := flattenText(msg.Content)
	for _, m := range thinkRe.FindAllStringSubmatch(text, -1) {
		if thought := strings.TrimSpace(m[1]); thought != "" {
			parts = append(parts, map[string]any{"text": thought, "thought": true})
		}
	}
	visible := strings.TrimSpace(thinkRe.ReplaceAllString(text, ""))
	if visible != "" || len(msg.ToolCalls) == 0 {
		textPart := map[string]any{"text": visible}
		if mc.SupportsThinking && isFinal {
			textPart["thought"] = false
		}
		parts = append(parts, textPart)
	}

	for _, call := range msg.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			// Malformed argument payloads degrade to an empty argument set.
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": call.Function.Name,
				"args": args,
			},
		})
	}
	return parts
}

// injectSignature attaches the stored thought signature to the turn so the
// upstream accepts the multi-turn tool-call chain as continuous reasoning.
// Without a stored signature a synthetic empty thought part is substituted,
// which the upstream tolerates as a degraded but valid exchange.
func injectSignature(parts []any, signature string) []any {
	if signature == "" {
		return append([]any{map[string]any{"text": "", "thought": true}}, parts...)
	}
	for _, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, isCall := part["functionCall"]; isCall {
			part["thoughtSignature"] = signature
		}
	}
	return parts
}

// toolResponsePart resolves the original tool name by back-scanning earlier
// assistant turns for the matching call id.
func toolResponsePart(messages []ChatMessage, idx int) map[string]any {
	msg := messages[idx]
	name := ""
	for i := idx - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		for _, call := range messages[i].ToolCalls {
			if call.ID == msg.ToolCallID {
				name = call.Function.Name
				break
			}
		}
		if name != "" {
			break
		}
	}
	if name == "" {
		name = msg.ToolCallID
	}
	return map[string]any{
		"functionResponse": map[string]any{
			"name": name,
			"response": map[string]any{
				"result": flattenText(msg.Content),
			},
		},
	}
}

func buildGenerationConfig(req *ChatRequest, mc ModelCapability) map[string]any {
	gc := map[string]any{"candidateCount": 1}
	if req.Temperature != nil {
		gc["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		gc["topP"] = *req.TopP
	}
	if req.TopK != nil {
		gc["topK"] = *req.TopK
	}

	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if mc.SupportsThinking {
		// Thinking-enabled models enforce a minimum output budget.
		if maxTokens < mc.MinOutputTokens {
			maxTokens = mc.MinOutputTokens
		}
		gc["thinkingConfig"] = map[string]any{"includeThoughts": true}
	}
	if maxTokens > 0 {
		gc["maxOutputTokens"] = maxTokens
	}

	if !mc.SupportsThinking && !mc.IsImage {
		stops := req.Stop
		if len(stops) == 0 {
			stops = defaultStopSequences
		}
		gc["stopSequences"] = stops
	} else if len(req.Stop) > 0 {
		gc["stopSequences"] = req.Stop
	}
	return gc
}

// flattenText collapses string or multimodal content to its text segments.
func flattenText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, item := range c {
			if seg, ok := item.(map[string]any); ok {
				if text, ok := seg["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	}
	return ""
}

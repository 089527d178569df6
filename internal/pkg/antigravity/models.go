package antigravity

import "strings"

// ModelCapability describes one caller-facing model: which upstream name it
// maps to, what it supports, and which request parameters it rejects. All
// routing decisions branch on this table rather than on model-name string
// predicates scattered through the request path.
type ModelCapability struct {
	// Upstream is the internal model name sent to the Cloud Code API.
	Upstream string
	// QuotaGroup keys the shared quota pool: models in one group draw from a
	// single per-user pool entry.
	QuotaGroup string

	SupportsThinking bool
	IsImage          bool

	// MinOutputTokens is enforced as a floor on maxOutputTokens for
	// thinking-enabled models; 0 means no floor.
	MinOutputTokens int

	// RejectedParams lists caller parameters that this model refuses; the
	// request fails before any network call.
	RejectedParams []string
}

// Internal upstream name prefixes that callers must not request directly.
var internalModelPrefixes = []string{"rev19-", "internal-"}

// defaultStopSequences is applied to standard (non-thinking, non-image) chat
// models when the caller supplies none.
var defaultStopSequences = []string{"<|endoftext|>", "<|im_end|>"}

var modelTable = map[string]ModelCapability{
	"gemini-3-pro-preview": {
		Upstream:         "gemini-3-pro-high",
		QuotaGroup:       "gemini-3-pro",
		SupportsThinking: true,
		MinOutputTokens:  8192,
	},
	"gemini-3-pro-low": {
		Upstream:         "gemini-3-pro-low",
		QuotaGroup:       "gemini-3-pro",
		SupportsThinking: true,
		MinOutputTokens:  8192,
	},
	"gemini-3-flash": {
		Upstream:         "gemini-3-flash",
		QuotaGroup:       "gemini-3-flash",
		SupportsThinking: true,
		MinOutputTokens:  4096,
	},
	"gemini-2.5-flash": {
		Upstream:   "gemini-2.5-flash",
		QuotaGroup: "gemini-2.5-flash",
	},
	"gemini-2.5-flash-thinking": {
		Upstream:         "gemini-2.5-flash",
		QuotaGroup:       "gemini-2.5-flash",
		SupportsThinking: true,
		MinOutputTokens:  4096,
	},
	"gemini-2.5-flash-lite": {
		Upstream:       "gemini-2.5-flash-lite",
		QuotaGroup:     "gemini-2.5-flash",
		RejectedParams: []string{"tools"},
	},
	"gemini-3-pro-image-preview": {
		Upstream:       "gemini-3-pro-image",
		QuotaGroup:     "gemini-3-pro-image",
		IsImage:        true,
		RejectedParams: []string{"tools", "stop"},
	},
	"gemini-2.5-flash-image": {
		Upstream:       "gemini-2.5-flash-image",
		QuotaGroup:     "gemini-3-pro-image",
		IsImage:        true,
		RejectedParams: []string{"tools", "stop"},
	},
}

// upstreamToPublic is the inverse alias mapping, used when reporting the model
// actually served and when interpreting quota probe results.
var upstreamToPublic = func() map[string]string {
	m := make(map[string]string, len(modelTable))
	for public, mc := range modelTable {
		// First public name wins only when upstream names collide; prefer the
		// non-derived entry (shorter public name).
		if existing, ok := m[mc.Upstream]; !ok || len(public) < len(existing) {
			m[mc.Upstream] = public
		}
	}
	return m
}()

// LookupModel resolves a caller-facing model name.
func LookupModel(model string) (ModelCapability, bool) {
	mc, ok := modelTable[model]
	return mc, ok
}

// PublicModels lists all caller-facing model names.
func PublicModels() []string {
	names := make([]string, 0, len(modelTable))
	for name := range modelTable {
		names = append(names, name)
	}
	return names
}

// PublicName maps an upstream model name back to its caller-facing alias,
// falling back to the upstream name itself.
func PublicName(upstream string) string {
	if public, ok := upstreamToPublic[upstream]; ok {
		return public
	}
	return upstream
}

// QuotaGroupModels returns every upstream model name belonging to the given
// quota-sharing group.
func QuotaGroupModels(group string) []string {
	seen := make(map[string]struct{})
	models := make([]string, 0, 2)
	for _, mc := range modelTable {
		if mc.QuotaGroup != group {
			continue
		}
		if _, dup := seen[mc.Upstream]; dup {
			continue
		}
		seen[mc.Upstream] = struct{}{}
		models = append(models, mc.Upstream)
	}
	return models
}

// IsInternalModel reports whether the name targets an upstream-internal
// completion model that callers may not request.
func IsInternalModel(model string) bool {
	for _, prefix := range internalModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

package backend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultMaxPromptTokens bounds the prompt sent to a provider. Requests that
// would exceed it have their context section truncated, never the command.
const DefaultMaxPromptTokens = 8000

// SystemPrompt frames every provider call.
const SystemPrompt = "You are an agent responding to commands mentioned in issue-tracker comments. " +
	"Perform the requested action and reply with a concise summary suitable for posting back as a comment."

// TokenCounter provides token counting for prompt budgeting. All supported
// providers are approximated with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in text, falling back to a 4-chars-per-
// token estimate if the codec is unavailable.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// BuildPrompt renders a request into the user prompt for a provider call,
// truncating the context section so the whole prompt stays under maxTokens.
func BuildPrompt(tc *TokenCounter, req Request, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxPromptTokens
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Command: %s\n", req.Action)
	if len(req.Arguments) > 0 {
		fmt.Fprintf(&b, "Arguments: %s\n", strings.Join(req.Arguments, " "))
	}
	if len(req.Options) > 0 {
		keys := make([]string, 0, len(req.Options))
		for k := range req.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "Option %s: %s\n", k, req.Options[k])
		}
	}
	fmt.Fprintf(&b, "Source: %s\n", req.Source)

	head := b.String()
	budget := maxTokens - tc.Count(head) - tc.Count(SystemPrompt)
	if budget <= 0 || len(req.Context) == 0 {
		return head
	}

	ctxSection := renderContext(req.Context)
	ctxSection = truncateToTokens(tc, ctxSection, budget)
	if ctxSection == "" {
		return head
	}
	return head + "Context:\n" + ctxSection
}

func renderContext(ctx map[string]any) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %v\n", k, ctx[k])
	}
	return b.String()
}

// truncateToTokens trims text to approximately the given token budget by
// binary-searching the longest prefix that fits.
func truncateToTokens(tc *TokenCounter, text string, budget int) string {
	if tc.Count(text) <= budget {
		return text
	}

	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if tc.Count(text[:mid]) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	// Avoid splitting a multi-byte rune at the cut point.
	for lo > 0 && lo < len(text) && text[lo]&0xC0 == 0x80 {
		lo--
	}
	return text[:lo]
}

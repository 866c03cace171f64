// Package summarize condenses the rendered report into a short narrative
// for the email body.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"storereport/internal/llm"
)

// maxArtifactChars bounds the text handed to the model so a large report
// cannot blow the context window.
const maxArtifactChars = 12000

const systemPrompt = "You are a retail analytics assistant. Summarize the daily store report " +
	"for a busy operations manager: lead with the overall visitor trend, call out the stores " +
	"with the largest changes, and mention any stores with missing data. Keep it under five " +
	"short paragraphs. Respond in plain prose, no markdown headings."

type chatClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Summarizer turns a rendered HTML report into a short text summary.
type Summarizer struct {
	client    chatClient
	maxTokens int
}

func New(client *llm.Client, maxTokens int) *Summarizer {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &Summarizer{client: client, maxTokens: maxTokens}
}

// Summarize extracts the text content of the artifact, bounds its size, and
// asks the model for a summary. It returns the summary and the total tokens
// the call consumed.
func (s *Summarizer) Summarize(ctx context.Context, artifact string, maxTokens int) (string, int, error) {
	if s == nil || s.client == nil {
		return "", 0, errors.New("summarizer is not configured")
	}
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}

	text := ExtractText(artifact, maxArtifactChars)
	if text == "" {
		return "", 0, errors.New("report artifact is empty")
	}

	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		MaxTokens: maxTokens,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		if llm.IsLikelyContextOverflowError(err) {
			return "", 0, fmt.Errorf("report too large for summarizer model: %w", err)
		}
		return "", 0, fmt.Errorf("summarization request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, errors.New("summarizer returned no choices")
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", 0, errors.New("summarizer returned an empty summary")
	}
	return summary, resp.Usage.TotalTokens, nil
}

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blockTagRe    = regexp.MustCompile(`(?i)</(p|div|tr|li|h[1-6]|table)>|<br[^>]*>`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
	spaceRunRe    = regexp.MustCompile(`[ \t]+`)
)

// ExtractText strips markup from an HTML artifact and truncates the result
// to at most maxChars bytes at a rune boundary.
func ExtractText(artifact string, maxChars int) string {
	s := scriptStyleRe.ReplaceAllString(artifact, " ")
	s = blockTagRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRunRe.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = strings.TrimSpace(blankRunRe.ReplaceAllString(s, "\n\n"))

	if maxChars > 0 && len(s) > maxChars {
		cut := s[:maxChars]
		if i := strings.LastIndexByte(cut, '\n'); i > maxChars/2 {
			cut = cut[:i]
		}
		s = strings.TrimSpace(strings.ToValidUTF8(cut, ""))
	}
	return s
}

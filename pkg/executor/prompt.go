package executor

import (
	"regexp"
	"strings"
	"time"
)

const defaultSystemPrompt = `The following is a friendly conversation between a human and an AI.
The AI answers politely and accurately and provides specific details from its context when it's relevant.
If the AI does not know the answer to a question, it truthfully says it does not know.

The date today is {{date}}.

Write the final answer for the human between <markdown></markdown> tags.`

// systemPrompt renders the configured prompt (or the default) for today.
func systemPrompt(configured string, now time.Time) string {
	p := configured
	if p == "" {
		p = defaultSystemPrompt
	}
	return strings.ReplaceAll(p, "{{date}}", now.Format("2006-01-02"))
}

var markdownTag = regexp.MustCompile(`(?is)<markdown>(.*?)</markdown>`)

// ExtractMarkdown returns the body of the first <markdown> element in text.
// A reply without a complete element yields "", which the dispatcher
// reports as an upstream failure.
func ExtractMarkdown(text string) string {
	if m := markdownTag.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

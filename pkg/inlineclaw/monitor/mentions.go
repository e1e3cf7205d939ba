package monitor

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// numericMention only matches an "@" at the start or after a non-word
// character, so addresses like ops@42 are left alone.
var numericMention = regexp.MustCompile(`(?:^|[^\w@])@(\d+)\b`)

// mentionMatcher detects textual mentions of the bot.
type mentionMatcher struct {
	patterns []*regexp.Regexp
}

func newMentionMatcher(patterns []string, botUsername string, logger *slog.Logger) *mentionMatcher {
	m := &mentionMatcher{}
	if botUsername != "" {
		m.patterns = append(m.patterns,
			regexp.MustCompile(`(?i)(?:^|[^\w@])@`+regexp.QuoteMeta(botUsername)+`\b`))
	}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			logger.Warn("ignoring invalid mention pattern", "pattern", p, "error", err)
			continue
		}
		m.patterns = append(m.patterns, re)
	}
	return m
}

func (m *mentionMatcher) matches(text string) bool {
	if m == nil || text == "" {
		return false
	}
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// rewriteMentions turns "@<numeric id>" into "@<username>" for every id the
// lookup knows. Unknown ids are left as they are.
func rewriteMentions(text string, username func(int64) (string, bool)) string {
	var b strings.Builder
	last := 0
	for _, loc := range numericMention.FindAllStringSubmatchIndex(text, -1) {
		idStart, idEnd := loc[2], loc[3]
		id, err := strconv.ParseInt(text[idStart:idEnd], 10, 64)
		if err != nil {
			continue
		}
		name, ok := username(id)
		if !ok {
			continue
		}
		b.WriteString(text[last:idStart])
		b.WriteString(name)
		last = idEnd
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

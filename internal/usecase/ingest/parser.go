package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

// ReplyCommand — результат разбора ответа админа.
type ReplyCommand struct {
	ConversationID int64
	Body           string
}

type replyStrategy struct {
	name  string
	match func(raw, quoted string) (id, body string, ok bool)
}

var (
	quotedMarkerRe = regexp.MustCompile(`\[#(\d+)\]`)
	replyCommandRe = regexp.MustCompile(`(?s)^/reply(?:@\w+)?\s+(\d+)\s+(.+)$`)
	hashCommandRe  = regexp.MustCompile(`(?s)^#(\d+)\s+(.+)$`)
	bracketRe      = regexp.MustCompile(`(?s)^\[#?(\d+)\]\s+(.+)$`)
)

// replyStrategies проверяются сверху вниз, побеждает первое совпадение.
// Ответ цитатой стоит первым: он удобнее явных команд.
var replyStrategies = []replyStrategy{
	{name: "quoted_marker", match: matchQuoted},
	{name: "reply_command", match: matchPattern(replyCommandRe)},
	{name: "hash_prefix", match: matchPattern(hashCommandRe)},
	{name: "bracket_prefix", match: matchPattern(bracketRe)},
}

// ParseReply превращает текст из Telegram (и текст процитированного сообщения) в пару
// (диалог, текст ответа). Второе значение false — команда не распознана.
func ParseReply(rawText, quotedText string) (ReplyCommand, bool) {
	cmd, _, ok := parseReplyWithStrategy(rawText, quotedText)
	return cmd, ok
}

func parseReplyWithStrategy(rawText, quotedText string) (ReplyCommand, string, bool) {
	raw := strings.TrimSpace(rawText)
	for _, s := range replyStrategies {
		idText, body, ok := s.match(raw, quotedText)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil || id <= 0 {
			return ReplyCommand{}, "", false
		}
		body = strings.TrimSpace(body)
		if body == "" {
			return ReplyCommand{}, "", false
		}
		return ReplyCommand{ConversationID: id, Body: body}, s.name, true
	}
	return ReplyCommand{}, "", false
}

func matchQuoted(raw, quoted string) (string, string, bool) {
	if quoted == "" || raw == "" {
		return "", "", false
	}
	m := quotedMarkerRe.FindStringSubmatch(quoted)
	if len(m) < 2 {
		return "", "", false
	}
	return m[1], raw, true
}

func matchPattern(re *regexp.Regexp) func(raw, quoted string) (string, string, bool) {
	return func(raw, _ string) (string, string, bool) {
		m := re.FindStringSubmatch(raw)
		if len(m) < 3 {
			return "", "", false
		}
		return m[1], m[2], true
	}
}

// ConversationMarker возвращает метку, по которой ответ цитатой находит диалог.
func ConversationMarker(conversationID int64) string {
	return "[#" + strconv.FormatInt(conversationID, 10) + "]"
}

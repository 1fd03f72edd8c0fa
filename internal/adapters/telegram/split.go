package telegram

import (
	"strings"
	"unicode"
)

// MessageLimit — предел длины одного сообщения Bot API в символах.
const MessageLimit = 4096

// SplitMessage режет текст на части не длиннее MessageLimit.
func SplitMessage(text string) []string {
	return splitText(text, MessageLimit)
}

// splitText режет по последнему переводу строки в окне, затем по пробелу,
// и только если их нет, по границе окна.
func splitText(text string, limit int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	var parts []string
	for len(runes) > limit {
		cut := lastIndexFunc(runes[:limit+1], func(r rune) bool { return r == '\n' })
		if cut <= 0 {
			cut = lastIndexFunc(runes[:limit+1], unicode.IsSpace)
		}
		if cut <= 0 {
			cut = limit
		}
		if chunk := strings.TrimSpace(string(runes[:cut])); chunk != "" {
			parts = append(parts, chunk)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func lastIndexFunc(runes []rune, match func(rune) bool) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if match(runes[i]) {
			return i
		}
	}
	return -1
}

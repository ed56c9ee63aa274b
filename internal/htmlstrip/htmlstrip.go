// Package htmlstrip extracts plain text from HTML message bodies.
package htmlstrip

import (
	"strings"

	"golang.org/x/net/html"
)

// Strip returns the visible text of an HTML document with whitespace
// collapsed. Script and style content is dropped.
func Strip(source string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(source))
	var parts []string
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(parts, " ")

		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if skippedTag(string(name)) {
				skipDepth++
			}

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if skippedTag(string(name)) && skipDepth > 0 {
				skipDepth--
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(tokenizer.Text())), " ")
			if text != "" {
				parts = append(parts, text)
			}
		}
	}
}

func skippedTag(name string) bool {
	return name == "script" || name == "style" || name == "head"
}

// Package codeblock pulls fenced code regions out of model replies.
package codeblock

import (
	"regexp"
	"strings"
)

// A fence opens with ``` and an optional language tag, then runs to the next ```.
var fencePattern = regexp.MustCompile("(?s)```([\\w+#.-]*)[ \\t]*\\r?\\n(.*?)```")

// Block is one fenced region.
type Block struct {
	Language string
	Code     string
}

// Blocks returns every fenced region in order of appearance, with its inner
// text trimmed.
func Blocks(text string) []Block {
	matches := fencePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, Block{
			Language: strings.ToLower(m[1]),
			Code:     strings.TrimSpace(m[2]),
		})
	}
	return blocks
}

// Extract concatenates all fenced regions separated by a blank line. Text
// without any fence is returned unchanged.
func Extract(text string) string {
	blocks := Blocks(text)
	if len(blocks) == 0 {
		return text
	}

	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b.Code
	}
	return strings.Join(parts, "\n\n")
}

// Language returns the tag of the first fenced region, or "" when none is tagged.
func Language(text string) string {
	for _, b := range Blocks(text) {
		if b.Language != "" {
			return b.Language
		}
	}
	return ""
}

package agent

import (
	"regexp"
	"strings"
)

// Markdown table handling modes. Tables read terribly over TTS, so the default
// flattens each row into a plain line of comma-separated cells.
const (
	MarkdownModeStrip   = "strip"
	MarkdownModeKeep    = "keep"
	MarkdownModeBullets = "bullets"
)

// SanitizeMarkdownTables rewrites markdown tables in text according to mode.
// Non-table lines pass through untouched.
func SanitizeMarkdownTables(text, mode string) string {
	switch mode {
	case MarkdownModeKeep:
		return text
	case MarkdownModeStrip, MarkdownModeBullets:
	default:
		mode = MarkdownModeStrip
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !isTableRow(trimmed) {
			out = append(out, line)
			continue
		}
		if isSeparatorRow(trimmed) {
			continue
		}
		cells := tableCells(trimmed)
		if len(cells) == 0 {
			continue
		}
		switch mode {
		case MarkdownModeBullets:
			if len(cells) > 1 {
				out = append(out, "- "+cells[0]+": "+strings.Join(cells[1:], ", "))
			} else {
				out = append(out, "- "+cells[0])
			}
		default:
			out = append(out, strings.Join(cells, ", "))
		}
	}
	return strings.Join(out, "\n")
}

func isTableRow(line string) bool {
	return strings.HasPrefix(line, "|") && strings.Count(line, "|") >= 2
}

func isSeparatorRow(line string) bool {
	for _, cell := range tableCells(line) {
		if cell == "" {
			continue
		}
		for _, r := range cell {
			switch r {
			case '-', ':', ' ':
			default:
				return false
			}
		}
		if !strings.Contains(cell, "-") {
			return false
		}
	}
	return true
}

func tableCells(line string) []string {
	line = strings.Trim(line, "|")
	parts := strings.Split(line, "|")
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cells = append(cells, p)
		}
	}
	return cells
}

var mediaURLPattern = regexp.MustCompile(`(?i)https?://[^\s)\]]+\.(?:png|jpe?g|gif|webp|svg|mp3|wav|ogg|m4a|mp4|mov|webm|pdf)`)

// AppendMediaNotice appends a bracketed notice listing any media URLs the
// block references. The bridge does not transport media; the notice is all the
// caller gets.
func AppendMediaNotice(block string) string {
	urls := mediaURLPattern.FindAllString(block, -1)
	if len(urls) == 0 {
		return block
	}
	seen := make(map[string]struct{}, len(urls))
	unique := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		unique = append(unique, u)
	}
	return strings.TrimRight(block, "\n") + "\n[media: " + strings.Join(unique, ", ") + "]"
}

package adapter

import "strings"

// TextLimit stays under Telegram's 4096 character cap.
const TextLimit = 4000

// SplitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and, for HTML, never cutting inside a tag. It always returns at
// least one chunk.
func SplitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = TextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if html {
				open, closeIdx := -1, -1
				for i := start; i < end; i++ {
					switch rs[i] {
					case '<':
						open = i
					case '>':
						closeIdx = i
					}
				}
				if open > closeIdx && open > start {
					end = open
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

package router

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

func newReqID() string {
	return uuid.NewString()[:8]
}

// tokenizeCommandLine splits command text into tokens, honouring single and
// double quotes and backslash escapes:
//
//	/cmd a "b c" --k=v
func tokenizeCommandLine(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		quote rune
		esc   bool
		have  bool
	)
	flush := func() {
		if have {
			out = append(out, buf.String())
			buf.Reset()
			have = false
		}
	}
	for _, ch := range strings.TrimSpace(s) {
		switch {
		case esc:
			buf.WriteRune(ch)
			esc = false
		case ch == '\\':
			esc, have = true, true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				buf.WriteRune(ch)
			}
		case ch == '"' || ch == '\'':
			quote, have = ch, true
		case unicode.IsSpace(ch):
			flush()
		default:
			buf.WriteRune(ch)
			have = true
		}
	}
	flush()
	return out
}

// parseFlags splits args into positionals and flags.
//
//	--k=v, --k v, --flag (bool)
//	-k=v, -k v, -abc (bool flags a, b and c)
//
// Negative numbers ("-5") stay positional.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	takesValue := func(i int) bool {
		return i+1 < len(args) && !isFlag(args[i+1])
	}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !isFlag(a) {
			pos = append(pos, a)
			continue
		}
		long := strings.HasPrefix(a, "--")
		key := strings.TrimLeft(a, "-")
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}
		if long || len(key) == 1 {
			if takesValue(i) {
				flags[key] = args[i+1]
				i++
			} else {
				bools[key] = true
			}
			continue
		}
		for _, r := range key {
			bools[string(r)] = true
		}
	}
	return pos, flags, bools
}

func isFlag(a string) bool {
	if len(a) < 2 || a[0] != '-' {
		return false
	}
	if a[1] >= '0' && a[1] <= '9' {
		return false
	}
	return a != "--"
}

// restAfter drops the first n whitespace-separated words of text and
// returns the remainder with its inner line breaks intact.
func restAfter(text string, n int) string {
	s := strings.TrimSpace(text)
	for ; n > 0 && s != ""; n-- {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			return ""
		}
		s = strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}
	return s
}

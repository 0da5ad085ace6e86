package tgui

import (
	"html"
	"strings"
)

// H is HTML that is already safe for ParseMode "HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H     { return wrap("b", Esc(s)) }
func I(s string) H     { return wrap("i", Esc(s)) }
func Code(s string) H  { return wrap("code", Esc(s)) }
func Quote(s string) H { return wrap("blockquote", Esc(s)) }

// Pre renders a preformatted block. Long content must be split by the
// caller; every message needs balanced tags.
func Pre(s string) H {
	return H("<pre>" + html.EscapeString(s) + "</pre>")
}

// JoinH joins parts with sep, skipping blank ones.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// Lines joins parts with newlines. Empty parts stay as blank lines.
func Lines(parts ...H) H {
	ss := make([]string, len(parts))
	for i, p := range parts {
		ss[i] = p.String()
	}
	return H(strings.Join(ss, "\n"))
}

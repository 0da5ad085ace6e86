package logx

import "strings"

// MaskPhone keeps the leading "+" with two digits and the last three digits.
func MaskPhone(phone string) string {
	p := strings.TrimSpace(phone)
	prefix := ""
	if strings.HasPrefix(p, "+") {
		prefix = "+"
		p = p[1:]
	}
	if len(p) <= 5 {
		return prefix + strings.Repeat("*", len(p))
	}
	return prefix + p[:2] + strings.Repeat("*", len(p)-5) + p[len(p)-3:]
}

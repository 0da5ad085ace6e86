package auth

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// NormalizePhone strips common separators and returns the number in
// "+<digits>" form, or ErrInvalidPhone.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ', r == '-', r == '(', r == ')', r == '.':
		default:
			return "", ErrInvalidPhone
		}
	}
	phone := "+" + b.String()
	if err := validate.Var(phone, "required,e164"); err != nil {
		return "", ErrInvalidPhone
	}
	if n := len(phone) - 1; n < 8 || n > 15 {
		return "", ErrInvalidPhone
	}
	return phone, nil
}

// NormalizeCode accepts codes typed with separators ("12 345", "1-2-3-4-5")
// and checks digits and length.
func NormalizeCode(raw string, minLen, maxLen int) (string, error) {
	code := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '_':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	tag := fmt.Sprintf("required,numeric,min=%d,max=%d", minLen, maxLen)
	if err := validate.Var(code, tag); err != nil {
		return "", ErrInvalidCode
	}
	if strings.ContainsAny(code, "+-.") {
		return "", ErrInvalidCode
	}
	return code, nil
}

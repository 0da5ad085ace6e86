// Package model holds the persisted entities of the dispatch engine and the
// rules that govern their lifecycle.
package model

import (
	"strings"
	"time"
)

// Account is one authenticated sending identity.
//
// SessionToken is opaque and must never be logged or serialized to clients.
type Account struct {
	ID           int64     `json:"id"`
	OperatorID   int64     `json:"operator_id"`
	Phone        string    `json:"phone"`
	SessionToken string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// DisplayNameOf builds the label shown to the operator: first name plus
// @username when present, else the phone number.
func DisplayNameOf(firstName, username, phone string) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(firstName); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimPrefix(strings.TrimSpace(username), "@"); s != "" {
		parts = append(parts, "@"+s)
	}
	if len(parts) == 0 {
		return phone
	}
	return strings.Join(parts, " ")
}

// Package platform declares the capabilities the dispatch core consumes from
// a messaging platform, and the error vocabulary drivers report in.
package platform

import (
	"context"
	"errors"

	"campaignbot/internal/model"
)

var (
	// ErrPasswordRequired is returned by SubmitCode when the account has a
	// second factor.
	ErrPasswordRequired = errors.New("platform: password required")
	ErrUnsupported      = errors.New("platform: operation not supported by driver")
)

// CodeHandle identifies one code delivery. Drivers own its contents.
type CodeHandle struct {
	Phone string
	Hash  string
}

// Session is what a successful sign-in yields.
type Session struct {
	Token     string
	FirstName string
	Username  string
}

// AuthProvider drives one sign-in attempt. It holds a live connection and
// must be closed once the attempt ends.
type AuthProvider interface {
	RequestCode(ctx context.Context, phone string) (CodeHandle, error)
	SubmitCode(ctx context.Context, h CodeHandle, code string) (Session, error)
	SubmitPassword(ctx context.Context, h CodeHandle, password string) (Session, error)
	Close() error
}

// Chat is a dialog visible to an account.
type Chat struct {
	ID     int64
	Title  string
	Handle string
	Kind   model.ChatKind
}

// Self describes the account behind a client.
type Self struct {
	ID        int64
	FirstName string
	Username  string
}

// Client is a messaging connection built from a stored session token.
// Calls on one Client are not required to be safe for concurrent use.
type Client interface {
	Self(ctx context.Context) (Self, error)
	ListChats(ctx context.Context) ([]Chat, error)
	Send(ctx context.Context, chatID int64, text string) error
	Close() error
}

// Driver constructs auth providers and clients.
type Driver interface {
	Name() string
	NewAuth(ctx context.Context) (AuthProvider, error)
	Open(ctx context.Context, sessionToken string) (Client, error)
}

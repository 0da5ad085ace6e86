package model

import "time"

// MaxGroupSize is the hard cap of chats per TargetGroup.
const MaxGroupSize = 20

// TargetGroup is a named bucket of chats owned by one Account.
type TargetGroup struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatKind string

const (
	ChatDirect    ChatKind = "direct"
	ChatGroup     ChatKind = "group"
	ChatBroadcast ChatKind = "broadcast"
)

func (k ChatKind) Valid() bool {
	switch k {
	case ChatDirect, ChatGroup, ChatBroadcast:
		return true
	}
	return false
}

// TargetChat is one destination inside a group.
type TargetChat struct {
	ID      int64    `json:"id"`
	GroupID int64    `json:"group_id"`
	ChatID  int64    `json:"chat_id"`
	Title   string   `json:"title"`
	Handle  string   `json:"handle,omitempty"`
	Kind    ChatKind `json:"kind"`
}

package operator

import (
	"sync"

	"campaignbot/internal/auth"
	"campaignbot/internal/campaign"
	"campaignbot/internal/platform"
)

// session is the per-operator conversation state.
type session struct {
	draft *campaign.Draft
	login *auth.Key

	fetchedFrom int64
	fetched     []platform.Chat
}

// Sessions holds one session per operator. Handlers receive it explicitly;
// it is never shared between operators.
type Sessions struct {
	mu sync.Mutex
	m  map[int64]*session
}

func NewSessions() *Sessions {
	return &Sessions{m: map[int64]*session{}}
}

// With runs fn on the operator's session under the table lock. fn must not
// block on I/O.
func (s *Sessions) With(operatorID int64, fn func(ss *session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.m[operatorID]
	if ss == nil {
		ss = &session{}
		s.m[operatorID] = ss
	}
	fn(ss)
}

// Draft returns a copy of the operator's draft.
func (s *Sessions) Draft(operatorID int64) (campaign.Draft, bool) {
	var (
		d  campaign.Draft
		ok bool
	)
	s.With(operatorID, func(ss *session) {
		if ss.draft != nil {
			d, ok = *ss.draft, true
		}
	})
	return d, ok
}

func (s *Sessions) SetDraft(operatorID int64, d *campaign.Draft) {
	s.With(operatorID, func(ss *session) { ss.draft = d })
}

// Login returns the sign-in the operator is currently driving.
func (s *Sessions) Login(operatorID int64) (auth.Key, bool) {
	var (
		k  auth.Key
		ok bool
	)
	s.With(operatorID, func(ss *session) {
		if ss.login != nil {
			k, ok = *ss.login, true
		}
	})
	return k, ok
}

func (s *Sessions) SetLogin(operatorID int64, k *auth.Key) {
	s.With(operatorID, func(ss *session) { ss.login = k })
}

// Fetched returns the last dialog listing and the account it came from.
func (s *Sessions) Fetched(operatorID int64) (int64, []platform.Chat) {
	var (
		acc   int64
		chats []platform.Chat
	)
	s.With(operatorID, func(ss *session) {
		acc, chats = ss.fetchedFrom, ss.fetched
	})
	return acc, chats
}

func (s *Sessions) SetFetched(operatorID, accountID int64, chats []platform.Chat) {
	s.With(operatorID, func(ss *session) {
		ss.fetchedFrom, ss.fetched = accountID, chats
	})
}

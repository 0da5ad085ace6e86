package operator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campaignbot/internal/observability/server"
	"campaignbot/internal/transport/telegram/router"
	"campaignbot/pkg/tgui"
)

// cmdAPIToken issues a JWT scoped to the caller's own campaigns and
// accounts on the HTTP API.
func (s *Service) cmdAPIToken(ctx context.Context, req *router.Request) error {
	if err := privateOnly(req); err != nil {
		return err
	}
	s.mu.RLock()
	secret, ttl := s.jwtSecret, s.jwtTTL
	s.mu.RUnlock()
	if secret == "" {
		return errors.New("API tokens are disabled, set http.jwt_secret")
	}
	if len(req.Args) > 0 {
		d, err := time.ParseDuration(req.Args[0])
		if err != nil || d <= 0 || d > 30*24*time.Hour {
			return fmt.Errorf("invalid ttl %q, use a duration up to 720h", req.Args[0])
		}
		ttl = d
	}
	tok, err := server.IssueToken(secret, req.FromID, ttl, s.now())
	s.audit(ctx, req.FromID, "apitoken.issue", "", err, ttl.String())
	if err != nil {
		return err
	}
	text := tgui.Lines(
		tgui.B("API token"),
		tgui.Esc("valid for "+ttl.String()),
		tgui.Code(tok),
	)
	_, err = req.ReplyHTML(ctx, text.String(), nil)
	return err
}

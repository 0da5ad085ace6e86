package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campaignbot/internal/config"
	logx "campaignbot/pkg/logx"
)

func (a *App) addJobs(cfg *config.Config) error {
	specs := []struct {
		name, schedule, def string
		fn                  func(context.Context) error
	}{
		{"progress_report", cfg.Jobs.ProgressReport, "@every 1m", a.reportProgress},
		{"flow_prune", cfg.Jobs.FlowPrune, "@every 5m", a.pruneFlows},
	}
	for _, s := range specs {
		sched := strings.TrimSpace(s.schedule)
		if sched == "" {
			sched = s.def
		}
		added, err := a.jobs.Add(s.name, sched, s.fn)
		if err != nil {
			return fmt.Errorf("jobs: %w", err)
		}
		if !added {
			a.log.Info("job disabled", logx.String("name", s.name))
		}
	}
	return nil
}

// reportProgress posts one line per running campaign to the log chat.
func (a *App) reportProgress(ctx context.Context) error {
	ids := a.engine.Running()
	if len(ids) == 0 {
		return nil
	}
	chatID, threadID, err := config.ParseChatRef(a.cfgm.Get().Telegram.GroupLog)
	if err != nil || chatID == 0 {
		return nil
	}
	lines := make([]string, 0, len(ids)+1)
	lines = append(lines, "running campaigns:")
	for _, id := range ids {
		p, err := a.engine.Progress(ctx, id)
		if err != nil {
			a.log.Warn("progress lookup failed", logx.Int64("campaign_id", id), logx.Err(err))
			continue
		}
		lines = append(lines, fmt.Sprintf("#%d %s sent %d/%d failed %d", id, p.Status, p.Sent, p.Total, p.Failed))
	}
	return a.adapter.Notify(ctx, chatID, threadID, strings.Join(lines, "\n"))
}

func (a *App) pruneFlows(context.Context) error {
	if n := a.auth.Prune(time.Now()); n > 0 {
		a.log.Debug("expired login flows pruned", logx.Int("count", n))
	}
	return nil
}

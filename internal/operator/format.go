package operator

import (
	"errors"
	"fmt"
	"strings"

	"campaignbot/internal/auth"
	"campaignbot/internal/campaign"
	"campaignbot/internal/directory"
	"campaignbot/internal/model"
	"campaignbot/internal/platform"
	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
	"campaignbot/pkg/tgui"
)

func ids(v []int64) string {
	s := make([]string, len(v))
	for i, id := range v {
		s[i] = fmt.Sprint(id)
	}
	return strings.Join(s, ", ")
}

func formatAccountLine(a model.Account) tgui.H {
	state := "🟢"
	if !a.Active {
		state = "⚪️"
	}
	phone := a.Phone
	if !strings.HasPrefix(phone, "bot:") {
		phone = logx.MaskPhone(phone)
	}
	return tgui.H(fmt.Sprintf("%s %s %s · %s", state, tgui.Code(fmt.Sprint(a.ID)), tgui.Esc(a.DisplayName), tgui.Esc(phone)))
}

func formatAccounts(accs []model.Account, pending []auth.Key) tgui.H {
	lines := []tgui.H{tgui.B("Accounts")}
	if len(accs) == 0 {
		lines = append(lines, tgui.I("none yet, sign one in with /login <phone>"))
	}
	for _, a := range accs {
		lines = append(lines, formatAccountLine(a))
	}
	for _, k := range pending {
		lines = append(lines, tgui.Esc("⏳ sign-in pending for "+logx.MaskPhone(k.Phone)))
	}
	return tgui.Lines(lines...)
}

func formatGroups(a model.Account, groups []model.TargetGroup, sizes map[int64]int) tgui.H {
	lines := []tgui.H{tgui.B(fmt.Sprintf("Groups of account %d", a.ID))}
	if len(groups) == 0 {
		lines = append(lines, tgui.I(fmt.Sprintf("none yet, create one with /group new %d <name>", a.ID)))
	}
	for _, g := range groups {
		lines = append(lines, tgui.H(fmt.Sprintf("%s %s (%d/%d)", tgui.Code(fmt.Sprint(g.ID)), tgui.Esc(g.Name), sizes[g.ID], model.MaxGroupSize)))
	}
	return tgui.Lines(lines...)
}

func chatLabel(title, handle string, kind model.ChatKind) string {
	s := title
	if handle != "" {
		s += " @" + handle
	}
	return s + " [" + string(kind) + "]"
}

func formatChats(g model.TargetGroup, chats []model.TargetChat) tgui.H {
	lines := []tgui.H{tgui.B(fmt.Sprintf("%s (%d/%d)", g.Name, len(chats), model.MaxGroupSize))}
	if len(chats) == 0 {
		lines = append(lines, tgui.I("empty"))
	}
	for _, c := range chats {
		lines = append(lines, tgui.H(fmt.Sprintf("%s %s", tgui.Code(fmt.Sprint(c.ChatID)), tgui.Esc(chatLabel(c.Title, c.Handle, c.Kind)))))
	}
	return tgui.Lines(lines...)
}

func formatFetched(a model.Account, chats []platform.Chat) tgui.H {
	lines := []tgui.H{tgui.B(fmt.Sprintf("Dialogs of account %d", a.ID))}
	if len(chats) == 0 {
		lines = append(lines, tgui.I("no dialogs visible"))
	}
	for i, c := range chats {
		lines = append(lines, tgui.H(fmt.Sprintf("%d. %s %s", i+1, tgui.Code(fmt.Sprint(c.ID)), tgui.Esc(chatLabel(c.Title, c.Handle, c.Kind)))))
	}
	if len(chats) > 0 {
		lines = append(lines, "", tgui.I("add with /chats import <group> 1 3-5 or all"))
	}
	return tgui.Lines(lines...)
}

func formatImport(g model.TargetGroup, results []directory.ImportResult, picked int) tgui.H {
	var added, dup, failed int
	full := false
	for _, r := range results {
		switch {
		case errors.Is(r.Err, storage.ErrGroupFull):
			full = true
		case r.Err != nil:
			failed++
		case r.Result == storage.AlreadyPresent:
			dup++
		default:
			added++
		}
	}
	lines := []tgui.H{
		tgui.B("Import into " + g.Name),
		tgui.Esc(fmt.Sprintf("added %d, already present %d, failed %d", added, dup, failed)),
	}
	if full {
		lines = append(lines, tgui.Esc(fmt.Sprintf("⚠️ group reached %d chats, %d not added", model.MaxGroupSize, picked-len(results)+1)))
	}
	return tgui.Lines(lines...)
}

func statusIcon(s model.Status) string {
	switch s {
	case model.StatusDraft:
		return "📝"
	case model.StatusConfigured:
		return "🟡"
	case model.StatusRunning:
		return "🔵"
	case model.StatusCompleted:
		return "✅"
	case model.StatusStopped:
		return "⏹"
	case model.StatusFailed:
		return "❌"
	}
	return "❔"
}

func formatCampaignList(p tgui.Page[model.Campaign]) tgui.H {
	lines := []tgui.H{tgui.B("Campaigns")}
	if p.Total == 0 {
		lines = append(lines, tgui.I("none yet, start with /campaign new"))
		return tgui.Lines(lines...)
	}
	for _, c := range p.Items {
		lines = append(lines, tgui.H(fmt.Sprintf("%s %s %s %d/%d · %s",
			statusIcon(c.Status), tgui.Code(fmt.Sprint(c.ID)), tgui.Esc(string(c.Status)),
			c.Sent+c.Failed, c.Total, tgui.Esc(tgui.TruncRunes(oneLine(c.Text), 30)))))
	}
	lines = append(lines, "", tgui.I(p.Label()))
	return tgui.Lines(lines...)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func formatDraft(d campaign.Draft, verr error) tgui.H {
	text := d.Text
	if text == "" {
		text = "(not set)"
	}
	group := "(not set)"
	if d.GroupID > 0 {
		group = fmt.Sprint(d.GroupID)
	}
	accs := "(none)"
	if len(d.AccountIDs) > 0 {
		accs = ids(d.AccountIDs)
	}
	lines := []tgui.H{
		tgui.B("Draft campaign"),
		tgui.Esc("accounts: " + accs),
		tgui.Esc("group: " + group),
		tgui.Esc(fmt.Sprintf("repeat: %d · delay: %s", d.Repeat, d.Delay)),
		tgui.Quote(tgui.TruncRunes(text, 500)),
	}
	var ve *campaign.ValidationError
	if errors.As(verr, &ve) {
		lines = append(lines, tgui.I("still missing:"))
		for _, p := range ve.Problems {
			lines = append(lines, tgui.Esc("• "+p))
		}
	} else {
		lines = append(lines, tgui.I("ready, /campaign save"))
	}
	return tgui.Lines(lines...)
}

func formatCampaign(c model.Campaign, running bool) tgui.H {
	lines := []tgui.H{
		tgui.H(fmt.Sprintf("%s %s · %s", statusIcon(c.Status), tgui.B(fmt.Sprintf("Campaign %d", c.ID)), tgui.Esc(string(c.Status)))),
		tgui.Esc(fmt.Sprintf("accounts: %s · group: %d", ids(c.AccountIDs), c.GroupID)),
		tgui.Esc(fmt.Sprintf("repeat: %d · delay: %s", c.Repeat, c.Delay)),
	}
	if c.Total > 0 {
		lines = append(lines, tgui.Esc(fmt.Sprintf("progress: %d sent · %d failed · %d/%d", c.Sent, c.Failed, c.Sent+c.Failed, c.Total)))
	}
	if running && c.Status != model.StatusRunning {
		lines = append(lines, tgui.I("finishing"))
	}
	if c.Error != "" {
		lines = append(lines, tgui.Esc("reason: "+c.Error))
	}
	lines = append(lines, tgui.Quote(tgui.TruncRunes(c.Text, 300)))
	return tgui.Lines(lines...)
}

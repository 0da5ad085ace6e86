package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kit "campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

type sent struct {
	chat int64
	text string
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sent
	answers []string
	menu    []kit.BotCommand
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                      { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chat: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	_, err := f.SendText(ctx, kit.ChatTarget{ChatID: ref.ChatID}, text, opt)
	return err
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.text
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text, Private: true}}
}

func startRouter(t *testing.T, r *Router) chan kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func TestRouteSubcommandArgsAndText(t *testing.T) {
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{1})
	got := make(chan *Request, 1)
	r.Register([]Command{
		{Route: "campaign text", Handle: func(_ context.Context, req *Request) error { got <- req; return nil }},
		{Route: "campaign start", Handle: func(context.Context, *Request) error { return nil }},
	}, nil)
	updates := startRouter(t, r)

	updates <- msg(1, "/campaign text Hello  world\nbye")
	req := <-got
	if req.Command != "campaign text" || req.Text != "Hello  world\nbye" {
		t.Fatalf("req = %+v", req)
	}
	if strings.Join(req.Args, ",") != "Hello,world,bye" {
		t.Fatalf("args = %q", req.Args)
	}

	updates <- msg(1, "/campaign_text@campaignbot short")
	req = <-got
	if req.Text != "short" {
		t.Fatalf("alias text = %q", req.Text)
	}
}

func TestAccessAndUnknown(t *testing.T) {
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{1})
	r.Register([]Command{{Route: "accounts", Handle: func(context.Context, *Request) error { return nil }}}, nil)
	updates := startRouter(t, r)

	updates <- msg(2, "/accounts")
	updates <- msg(1, "/nope")
	updates <- msg(1, "plain text is ignored")
	waitFor(t, func() bool { return len(ad.texts()) == 2 })
	texts := ad.texts()
	if texts[0] != "not authorized" || !strings.HasPrefix(texts[1], "unknown command") {
		t.Fatalf("texts = %q", texts)
	}
}

func TestHandlerErrorIsReported(t *testing.T) {
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{1})
	r.Register([]Command{{Route: "boom", Handle: func(context.Context, *Request) error { return errors.New("group is full") }}}, nil)
	updates := startRouter(t, r)
	updates <- msg(1, "/boom")
	waitFor(t, func() bool { return len(ad.texts()) == 1 })
	if !strings.Contains(ad.texts()[0], "group is full") {
		t.Fatalf("texts = %q", ad.texts())
	}
}

func TestCallbackRouting(t *testing.T) {
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{1})
	got := make(chan string, 1)
	r.Register(nil, []CallbackRoute{{Prefix: "camp", Action: "stop", Handle: func(_ context.Context, _ *Request, payload string) error {
		got <- payload
		return nil
	}}})
	updates := startRouter(t, r)

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "x", FromID: 9, ChatID: 9, Data: "camp:stop:42"}}
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "y", FromID: 1, ChatID: 1, Data: "camp:stop:42"}}
	if p := <-got; p != "42" {
		t.Fatalf("payload = %q", p)
	}
	waitFor(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.answers) == 2
	})
	if ad.answers[0] != "forbidden" {
		t.Fatalf("answers = %q", ad.answers)
	}
}

func TestHelpAndMenu(t *testing.T) {
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)
	r.Register([]Command{
		{Route: "group new", Description: "create a group", Usage: "/group new <account> <name>", Handle: func(context.Context, *Request) error { return nil }},
		{Route: "group delete", Handle: func(context.Context, *Request) error { return nil }},
	}, nil)
	top := r.helpText(nil)
	if !strings.Contains(top, "/group") || !strings.Contains(top, "delete, new") {
		t.Fatalf("top help = %s", top)
	}
	sub := r.helpText([]string{"group"})
	if !strings.Contains(sub, "/group new &lt;account&gt; &lt;name&gt;") {
		t.Fatalf("group help = %s", sub)
	}

	updates := startRouter(t, r)
	updates <- msg(5, "/group")
	waitFor(t, func() bool { return len(ad.texts()) == 1 })
	waitFor(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.menu) == 2
	})
}

// Package router maps chat updates onto a tree of commands and callback
// routes, executed by a bounded worker pool.
package router

import (
	"context"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"campaignbot/internal/runtime/supervisor"
	kit "campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

type Access int

const (
	// AccessOperator is the default: only configured operators may call.
	AccessOperator Access = iota
	AccessEveryone
)

type Command struct {
	// Route is a space separated path, e.g. "campaign start".
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles callback data "<prefix>:<action>[:<payload>]".
type CallbackRoute struct {
	Prefix  string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Path    []string
	// Args are positionals after flags were removed; RawArgs are untouched.
	Args      []string
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	// Text is the raw message text after the command path.
	Text    string
	Payload string
	ReqID   string

	Adapter kit.Adapter
	Log     logx.Logger
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends HTML text with optional adapter markup.
func (r *Request) ReplyHTML(ctx context.Context, text string, markup any) (kit.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkup: markup})
}

// EditHTML edits the message a callback came from, or replies when the
// request is a message.
func (r *Request) EditHTML(ctx context.Context, text string, markup any) error {
	if cb := r.Update.Callback; cb != nil {
		ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
		return r.Adapter.EditText(ctx, ref, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkup: markup})
	}
	_, err := r.ReplyHTML(ctx, text, markup)
	return err
}

type Router struct {
	mu        sync.RWMutex
	root      *cmdNode
	alias     map[string]*cmdNode
	callbacks map[string]CallbackRoute // "prefix:action"
	operators []int64

	log     logx.Logger
	adapter kit.Adapter
	workers int
	jobs    chan func()
}

func New(log logx.Logger, adapter kit.Adapter, operators []int64) *Router {
	return &Router{
		root:      newRoot(),
		alias:     map[string]*cmdNode{},
		callbacks: map[string]CallbackRoute{},
		operators: slices.Clone(operators),
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		workers:   max(2, runtime.NumCPU()),
		jobs:      make(chan func(), 256),
	}
}

// SetOperators replaces the operator list; safe during hot reload.
func (m *Router) SetOperators(ids []int64) {
	m.mu.Lock()
	m.operators = slices.Clone(ids)
	m.mu.Unlock()
}

func (m *Router) isOperator(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.operators, id)
}

// Register installs the command and callback set, replacing any previous
// one. A help command is always added.
func (m *Router) Register(cmds []Command, cbs []CallbackRoute) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"start"},
		Description: "show help",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.ReplyHTML(ctx, m.helpText(req.Args), nil)
			return err
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		// Multi-word routes also answer to "/a_b" for menu autocomplete.
		if len(route) > 1 {
			if name := sanitizeTelegramCommand(strings.Join(route, "_")); name != "" {
				alias[name] = leaf
			}
		}
		for _, a := range c.Aliases {
			if a = strings.TrimSpace(a); a != "" && !strings.Contains(a, " ") {
				alias[a] = leaf
			}
		}
	}
	cb := map[string]CallbackRoute{}
	for _, r := range cbs {
		if r.Prefix == "" || r.Action == "" || r.Handle == nil {
			continue
		}
		cb[r.Prefix+":"+r.Action] = r
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.callbacks = cb
	m.mu.Unlock()
}

// Run dispatches updates until ctx ends or updates is closed.
func (m *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(m.log))
	for i := range m.workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					job()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second), supervisor.WithPublishFirstError(true))
	}
	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		sup.Go("telegram.menu.update", func(c context.Context) error {
			cctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			m.mu.RLock()
			menu := buildMenu(m.root)
			m.mu.RUnlock()
			if err := up.UpdateMenuCommands(cctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers))
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			m.routeMessage(ctx, up)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			m.routeCallback(ctx, up)
		}
	}
}

func (m *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	word, _, _ = strings.Cut(word, "@")
	args := parts[1:]
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	var (
		cmd  Command
		path []string
		used = 1
	)
	if leaf, ok := alias[word]; ok {
		cmd = *leaf.cmd
		path = splitRoute(cmd.Route)
	} else {
		cur, ok := root.child(word)
		if !ok {
			_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
			return
		}
		path = []string{word}
		for len(args) > 0 && !isFlag(args[0]) {
			next, ok := cur.child(args[0])
			if !ok {
				break
			}
			cur = next
			path = append(path, args[0])
			args = args[1:]
			used++
		}
		if cur.cmd == nil {
			_, _ = m.adapter.SendText(ctx, chat, m.helpText(path), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			return
		}
		cmd = *cur.cmd
	}

	if cmd.Access == AccessOperator && !m.isOperator(msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "not authorized", nil)
		return
	}
	pos, flags, bools := parseFlags(args)
	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		Command:   cmd.Route,
		Path:      path,
		Args:      pos,
		RawArgs:   args,
		Flags:     flags,
		BoolFlags: bools,
		Text:      restAfter(text, used),
	}
	m.enqueue(ctx, req, cmd.Handle, cmd.Timeout, func() {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	})
}

func (m *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	prefix, rest, ok := strings.Cut(strings.TrimSpace(cb.Data), ":")
	if !ok {
		return
	}
	action, payload, _ := strings.Cut(rest, ":")

	m.mu.RLock()
	route, ok := m.callbacks[prefix+":"+action]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if route.Access == AccessOperator && !m.isOperator(cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: "cb:" + prefix + ":" + action,
		Payload: payload,
	}
	h := func(ctx context.Context, r *Request) error {
		err := route.Handle(ctx, r, payload)
		_ = m.adapter.AnswerCallback(context.WithoutCancel(ctx), cb.ID, "")
		return err
	}
	m.enqueue(ctx, req, h, route.Timeout, func() {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	})
}

func (m *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration, busy func()) {
	req.ReqID = newReqID()
	req.Adapter = m.adapter
	req.Log = m.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", req.Command),
	)
	final := Chain(h,
		MWPanicRecover(),
		MWRequestLog(),
		MWReplyError(),
		MWTimeout(timeout),
	)
	select {
	case m.jobs <- func() { _ = final(ctx, req) }:
	default:
		busy()
	}
}

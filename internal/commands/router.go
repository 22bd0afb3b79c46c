package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	rtsup "bilisub/internal/runtime/supervisor"
	"bilisub/internal/transport"
	logx "bilisub/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Request is one parsed command message.
type Request struct {
	Message *transport.Message
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Log     logx.Logger

	reply func(ctx context.Context, text string) error
}

// Owner is the subscription owner id for the chat the request came from.
func (r *Request) Owner() string { return r.Chat.OwnerID() }

func (r *Request) Reply(ctx context.Context, format string, args ...any) error {
	text := format
	if len(args) > 0 {
		text = fmt.Sprintf(format, args...)
	}
	return r.reply(ctx, text)
}

const (
	defaultTimeout = 30 * time.Second
	dispatchQueue  = 64
	dispatchers    = 4
)

// Router dispatches updates to registered commands.
type Router struct {
	log     logx.Logger
	adapter transport.Adapter
	botName string

	mu     sync.RWMutex
	cmds   map[string]*Command
	alias  map[string]*Command
	admins []int64

	jobs chan func()
}

func NewRouter(adapter transport.Adapter, admins []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:     log,
		adapter: adapter,
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		admins:  slices.Clone(admins),
		jobs:    make(chan func(), dispatchQueue),
	}
}

// SetBotName makes the router ignore "/cmd@otherbot".
func (r *Router) SetBotName(name string) {
	r.mu.Lock()
	r.botName = strings.TrimPrefix(name, "@")
	r.mu.Unlock()
}

func (r *Router) SetAdmins(ids []int64) {
	r.mu.Lock()
	r.admins = slices.Clone(ids)
	r.mu.Unlock()
}

func (r *Router) IsAdmin(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.admins, id)
}

func (r *Router) Register(cmds ...Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cmds {
		c := cmds[i]
		name := strings.ToLower(c.Name)
		if name == "" || c.Handle == nil {
			return fmt.Errorf("command %q: name and handler required", c.Name)
		}
		if _, dup := r.cmds[name]; dup {
			return fmt.Errorf("command %q registered twice", name)
		}
		c.Name = name
		r.cmds[name] = &c
		for _, a := range c.Aliases {
			r.alias[strings.ToLower(a)] = &c
		}
	}
	return nil
}

func (r *Router) lookup(name string) *Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c := r.cmds[name]; c != nil {
		return c
	}
	return r.alias[name]
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MenuCommands lists the commands shown in the platform menu. Admin
// commands are left out.
func (r *Router) MenuCommands() []transport.BotCommand {
	var out []transport.BotCommand
	for _, c := range r.Commands() {
		if c.Access == AccessAdmin {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run consumes updates until ctx is done. Handlers run on a small worker
// pool owned by sup.
func (r *Router) Run(ctx context.Context, sup *rtsup.Supervisor, updates <-chan transport.Update) {
	for i := 0; i < dispatchers; i++ {
		sup.Go0(fmt.Sprintf("commands.worker.%d", i), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job := <-r.jobs:
					job()
				}
			}
		})
	}
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			r.dispatch(ctx, up)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	r.mu.RLock()
	bot := r.botName
	r.mu.RUnlock()
	name, args, ok := parseCommand(up.Message.Text, bot)
	if !ok {
		return
	}
	cmd := r.lookup(name)
	if cmd == nil {
		return
	}
	req := r.newRequest(up.Message, name, args)
	job := func() { _ = r.Handle(ctx, cmd, req) }
	select {
	case r.jobs <- job:
	default:
		req.Log.Warn("command dropped (dispatch queue full)")
		_ = req.Reply(ctx, "Busy, please try again in a moment.")
	}
}

func (r *Router) newRequest(m *transport.Message, name string, args []string) *Request {
	to := m.Target()
	return &Request{
		Message: m,
		Chat:    to,
		FromID:  m.FromID,
		Command: name,
		Args:    args,
		Log: r.log.With(
			logx.String("cmd", name),
			logx.Int64("chat_id", to.ChatID),
			logx.Int64("from_id", m.FromID),
		),
		reply: func(ctx context.Context, text string) error {
			_, err := r.adapter.SendText(ctx, to, text, &transport.SendOptions{DisablePreview: true})
			return err
		},
	}
}

// Handle runs cmd with the standard middleware stack.
func (r *Router) Handle(ctx context.Context, cmd *Command, req *Request) error {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	h := Chain(cmd.Handle, withRequestLog(), withRecover(), withTimeout(timeout), r.withAccess(cmd.Access))
	err := h(ctx, req)
	if err != nil {
		_ = req.Reply(ctx, "Command failed: %s", err)
	}
	return err
}

func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func withRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if v := recover(); v != nil {
					req.Log.Error("panic recovered", logx.Any("panic", v), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}

func withRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			if err != nil {
				req.Log.Warn("request failed", logx.Duration("dur", time.Since(start)), logx.Err(err))
			} else {
				req.Log.Info("request ok", logx.Duration("dur", time.Since(start)))
			}
			return err
		}
	}
}

func (r *Router) withAccess(a Access) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if a == AccessAdmin && !r.IsAdmin(req.FromID) {
				req.Log.Info("admin command denied")
				return req.Reply(ctx, "This command is restricted to administrators.")
			}
			return next(ctx, req)
		}
	}
}

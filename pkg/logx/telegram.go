package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "bilisub/internal/transport"
)

const (
	tgQueueSize   = 64
	tgSendTimeout = 10 * time.Second
	tgMaxLen      = 3500
	tgValueLen    = 300
	tgStackLen    = 900
)

type tgLine struct {
	to   kit.ChatTarget
	text string
}

// telegramSink forwards log lines to the admin chat. Lines over the rate
// limit or past a full queue are counted and reported with the next line
// that goes out. Logging never blocks on Telegram.
type telegramSink struct {
	sender kit.Adapter
	queue  chan tgLine

	mu         sync.Mutex
	target     kit.ChatTarget
	min        zerolog.Level
	limiter    *rate.Limiter
	suppressed int
	cancel     context.CancelFunc
	done       chan struct{}
}

func newTelegramSink(sender kit.Adapter) *telegramSink {
	return &telegramSink{sender: sender, queue: make(chan tgLine, tgQueueSize), min: zerolog.WarnLevel}
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = cfg.Target
	t.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	if t.limiter == nil || t.limiter.Limit() != rate.Limit(rps) {
		t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	if cfg.Enabled && t.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.done = make(chan struct{})
		go t.run(ctx, t.done)
	}
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-t.queue:
			sctx, cancel := context.WithTimeout(ctx, tgSendTimeout)
			_, _ = t.sender.SendText(sctx, l.to, l.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

// Write only sees lines without a level, which are not forwarded.
func (t *telegramSink) Write(p []byte) (int, error) { return len(p), nil }

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	if t.target.ChatID == 0 || level < t.min || level == zerolog.NoLevel {
		t.mu.Unlock()
		return len(p), nil
	}
	if !t.limiter.Allow() {
		t.suppressed++
		t.mu.Unlock()
		return len(p), nil
	}
	skipped := t.suppressed
	t.suppressed = 0
	to := t.target
	t.mu.Unlock()

	select {
	case t.queue <- tgLine{to: to, text: formatLine(p, skipped)}:
	default:
		t.mu.Lock()
		t.suppressed += skipped + 1
		t.mu.Unlock()
	}
	return len(p), nil
}

// formatLine renders a JSON log line as
//
//	WARN [comp] message
//	key: value
//
// with keys sorted and the stack, if any, last.
func formatLine(p []byte, suppressed int) string {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return clip(strings.TrimSpace(string(p)), tgMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString(strings.ToUpper(lvl))
		b.WriteByte(' ')
	}
	if comp, _ := m["comp"].(string); comp != "" {
		fmt.Fprintf(&b, "[%s] ", comp)
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, "comp", "stack":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(m[k]), tgValueLen))
	}
	if stack, _ := m["stack"].(string); stack != "" {
		b.WriteString("\n\n")
		b.WriteString(clip(stack, tgStackLen))
	}
	if suppressed > 0 {
		fmt.Fprintf(&b, "\n(%d earlier lines suppressed)", suppressed)
	}
	return clip(b.String(), tgMaxLen)
}

// clip shortens s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const ellipsis = "…"
	cut := n - len(ellipsis)
	if cut <= 0 {
		return s[:0]
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

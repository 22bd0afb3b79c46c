package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field is one key/value pair attached to a log line. A Field with an
// empty key is skipped.
type Field struct {
	key string
	val any
}

func String(k, v string) Field                 { return Field{k, v} }
func Int(k string, v int) Field                { return Field{k, v} }
func Int64(k string, v int64) Field            { return Field{k, v} }
func Uint64(k string, v uint64) Field          { return Field{k, v} }
func Float64(k string, v float64) Field        { return Field{k, v} }
func Bool(k string, v bool) Field              { return Field{k, v} }
func Strs(k string, v []string) Field          { return Field{k, v} }
func Duration(k string, v time.Duration) Field { return Field{k, v} }
func Any(k string, v any) Field                { return Field{k, v} }

// Err attaches err under "err". A nil error adds nothing.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{"err", err}
}

// Stack attaches a goroutine dump from a recovered panic.
func Stack(stack string) Field {
	if strings.TrimSpace(stack) == "" {
		return Field{}
	}
	return Field{"stack", stack}
}

func (f Field) addTo(e *zerolog.Event) {
	switch v := f.val.(type) {
	case string:
		e.Str(f.key, v)
	case int:
		e.Int(f.key, v)
	case int64:
		e.Int64(f.key, v)
	case uint64:
		e.Uint64(f.key, v)
	case float64:
		e.Float64(f.key, v)
	case bool:
		e.Bool(f.key, v)
	case []string:
		e.Strs(f.key, v)
	case time.Duration:
		e.Dur(f.key, v)
	case error:
		e.AnErr(f.key, v)
	default:
		e.Interface(f.key, v)
	}
}

func (f Field) addToContext(c zerolog.Context) zerolog.Context {
	switch v := f.val.(type) {
	case string:
		return c.Str(f.key, v)
	case int:
		return c.Int(f.key, v)
	case int64:
		return c.Int64(f.key, v)
	case uint64:
		return c.Uint64(f.key, v)
	case float64:
		return c.Float64(f.key, v)
	case bool:
		return c.Bool(f.key, v)
	case []string:
		return c.Strs(f.key, v)
	case time.Duration:
		return c.Dur(f.key, v)
	case error:
		return c.AnErr(f.key, v)
	default:
		return c.Interface(f.key, v)
	}
}

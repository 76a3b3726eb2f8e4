// Package zap adapts a *zap.Logger to atomcache.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/atomcache"
)

var _ atomcache.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New names the logger "atomcache". A nil l yields a no-op logger.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.Named("atomcache")}
}

func (z Logger) Debug(msg string, f atomcache.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f atomcache.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f atomcache.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f atomcache.Fields) { z.L.Error(msg, fields(f)...) }

// fields emits keys in sorted order so log lines are stable.
func fields(f atomcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

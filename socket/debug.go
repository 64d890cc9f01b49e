package socket

import (
	"log/slog"

	"github.com/mvera/rudp/internal"
)

func (s *Socket) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	if s.log == nil {
		return
	}
	attrs = append(attrs, slog.String("id", s.id.String()))
	internal.LogAttrs(s.log, lvl, msg, attrs...)
}

func (s *Socket) debug(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelDebug, msg, attrs...)
}

func (s *Socket) trace(msg string, attrs ...slog.Attr) {
	s.logattrs(internal.LevelTrace, msg, attrs...)
}

func (s *Socket) warn(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelWarn, msg, attrs...)
}

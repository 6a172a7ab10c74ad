package logger

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOutput configures an optional rotating log file written alongside the
// primary writer.
type FileOutput struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Output returns primary, or primary teed into a rotating file when fo names
// a path.
func Output(primary io.Writer, fo FileOutput) io.Writer {
	if fo.Path == "" {
		return primary
	}

	return io.MultiWriter(primary, &lumberjack.Logger{
		Filename:   fo.Path,
		MaxSize:    fo.MaxSizeMB,
		MaxBackups: fo.MaxBackups,
		MaxAge:     fo.MaxAgeDays,
		Compress:   fo.Compress,
	})
}

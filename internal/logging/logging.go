// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets log.Logger to write JSON lines to out and, when file is not
// empty, appended to file. The returned closer releases the file.
func Init(level string, file string, out io.Writer) (io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	writers := []io.Writer{out}
	var closer io.Closer = nopCloser{}
	if file != "" {
		logFile, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, logFile)
		closer = logFile
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).Level(lvl).With().Timestamp().Logger()

	if lvl == zerolog.DebugLevel {
		log.Debug().Msg("Log level set to DEBUG")
	}
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

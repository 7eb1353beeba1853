package utils

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger sets the global zerolog logger. Console output goes to stderr;
// when logFile is set, JSON lines are also appended to it. The returned
// closer releases the log file.
func InitLogger(debug bool, logFile string) (io.Closer, error) {
	GlobalDebugFlag = debug
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}
	if logFile == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return io.NopCloser(nil), fmt.Errorf("error opening log file: %v", err)
	}
	multi := zerolog.MultiLevelWriter(console, f)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()
	return f, nil
}

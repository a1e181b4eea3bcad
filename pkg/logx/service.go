package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

const defaultLogFile = "./bulkbot.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig

	// Out replaces stdout for the console sink (tests, embedding).
	Out io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the root logger. Apply rebuilds it; loggers derived from the
// service pick the new one up on their next line.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})
}

// New builds a Service from cfg and returns it with a Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return zl
	}
	return &nop
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps sinks and level. The log file is reopened only when its path
// changes. With no sink enabled, console is used.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console || !cfg.File.Enabled {
		out := cfg.Out
		if out == nil {
			out = Stdout()
		}
		sinks = append(sinks, consoleWriter(out, cfg.Out != nil))
	}

	path := strings.TrimSpace(cfg.File.Path)
	if path == "" {
		path = defaultLogFile
	}
	if !cfg.File.Enabled || path != s.filePath {
		s.closeFileLocked()
	}
	if cfg.File.Enabled {
		if s.file == nil {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				fmt.Fprintf(Stderr(), "logx: open %s: %v\n", path, err)
			} else {
				s.file, s.filePath = f, path
			}
		}
		if s.file != nil {
			sinks = append(sinks, zerolog.SyncWriter(s.file))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(Stdout(), false))
	}

	var w io.Writer = sinks[0]
	if len(sinks) > 1 {
		w = zerolog.MultiLevelWriter(sinks...)
	}
	zl := zerolog.New(w).Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.filePath = nil, ""
}

// Close releases the log file. Later lines still reach the console sink.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file
	s.file, s.filePath = nil, ""
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleWriter(w io.Writer, noColor bool) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat, NoColor: noColor}
}

func Stdout() io.Writer { return os.Stdout }

func Stderr() io.Writer { return os.Stderr }

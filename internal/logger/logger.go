package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes to stdout and a per-day log file, rotating at midnight.
type Logger struct {
	mu          sync.Mutex
	logDir      string
	currentDate string
	logFile     *os.File
	es          *esWriter
}

var (
	instance *Logger
	once     sync.Once
)

// InitLogger routes the standard log package through the rotating writer.
// The ES shipper is optional and enabled through cfg.
func InitLogger(logDir string, cfg ESConfig) error {
	var initErr error
	once.Do(func() {
		l := &Logger{logDir: logDir}
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			initErr = fmt.Errorf("create log directory: %w", err)
			return
		}
		if err := l.rotateIfNeeded(); err != nil {
			initErr = err
			return
		}
		if cfg.Enabled {
			es, err := newESWriter(cfg)
			if err != nil {
				initErr = fmt.Errorf("init elasticsearch log writer: %w", err)
				return
			}
			l.es = es
		}
		instance = l
		log.SetOutput(l)
		log.SetFlags(log.LstdFlags)
	})
	return initErr
}

func (l *Logger) rotateIfNeeded() error {
	today := time.Now().Format("20060102")
	if today == l.currentDate && l.logFile != nil {
		return nil
	}
	if l.logFile != nil {
		_ = l.logFile.Close()
	}
	path := filepath.Join(l.logDir, today+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}
	l.logFile = f
	l.currentDate = today
	return nil
}

func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateIfNeeded(); err != nil {
		// Still log to stdout when the file cannot be opened.
		return os.Stdout.Write(p)
	}
	if l.es != nil {
		_, _ = l.es.Write(p)
	}
	return io.MultiWriter(os.Stdout, l.logFile).Write(p)
}

// Close flushes the ES shipper and closes the current log file.
func Close() {
	if instance == nil {
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	if instance.es != nil {
		instance.es.Close()
	}
	if instance.logFile != nil {
		_ = instance.logFile.Close()
		instance.logFile = nil
	}
}

func Printf(format string, v ...any) {
	log.Printf(format, v...)
}

func Println(v ...any) {
	log.Println(v...)
}

func Fatalf(format string, v ...any) {
	log.Fatalf(format, v...)
}

func Fatal(v ...any) {
	log.Fatal(v...)
}

// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы горячий путь (WebSocket-пампы, отправка сообщений) не блокировался на I/O.
// Уровень задаётся через SetLevel (из конфига) или LOG_LEVEL.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const asyncBufferSize = 8192

// slowThreshold — при уровне info LogDuration пишет только вызовы дольше этого порога.
const slowThreshold = 100 * time.Millisecond

type level int32

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

var (
	prefix   atomic.Value // string
	curLevel atomic.Int32
	dropped  atomic.Int64
	ch       chan string
	once     sync.Once
)

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func initWorker() {
	curLevel.Store(int32(parseLevel(os.Getenv("LOG_LEVEL"))))
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
		}
	}()
}

func enabled(l level) bool {
	once.Do(initWorker)
	return level(curLevel.Load()) <= l
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- msg:
	default:
		// Буфер полон — не блокируем, теряем лог
		dropped.Add(1)
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "api").
func SetPrefix(p string) {
	prefix.Store(p)
}

// SetLevel переопределяет уровень ("debug", "info", "warn", "error").
func SetLevel(s string) {
	once.Do(initWorker)
	curLevel.Store(int32(parseLevel(s)))
}

// Dropped возвращает число сообщений, потерянных из-за переполнения буфера.
func Dropped() int64 {
	return dropped.Load()
}

func tag() string {
	p, _ := prefix.Load().(string)
	if p == "" {
		return ""
	}
	return "[" + p + "] "
}

func Debugf(format string, v ...any) {
	if enabled(levelDebug) {
		enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
	}
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	if enabled(levelInfo) {
		enqueue(tag() + fmt.Sprint(v...))
	}
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	if enabled(levelInfo) {
		enqueue(tag() + fmt.Sprintf(format, v...))
	}
}

func Warnf(format string, v ...any) {
	if enabled(levelWarn) {
		enqueue(tag() + "WARN: " + fmt.Sprintf(format, v...))
	}
}

// Error пишет ошибку с префиксом (асинхронно). Ошибки пишутся при любом уровне.
func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// При уровне info пишет только вызовы дольше slowThreshold; при debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if enabled(levelDebug) || elapsed >= slowThreshold {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для defer: defer logger.DeferLogDuration("msg.Append", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}

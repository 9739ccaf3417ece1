package zapLogger

import (
	"io"
	"os"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once sync.Once
	Log  *zap.SugaredLogger = zap.NewNop().Sugar()
)

// New builds a console-encoded logger writing to w at level and above.
func New(w io.Writer, level zapcore.Level) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(w),
		level,
	)
	return zap.New(core, zap.AddCaller()).Sugar()
}

// Init initializes Log to tee stdout and path, and returns the opened log file handle.
func Init(path string) *os.File {
	var logFile *os.File
	once.Do(func() {
		var err error
		logFile, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic("cannot open log file: " + err.Error())
		}
		Log = New(io.MultiWriter(os.Stdout, logFile), zap.InfoLevel)
	})
	return logFile
}

// FiberLoggingMiddleware returns Fiber's built-in logger middleware writing logs to stdout and given logFile
func FiberLoggingMiddleware(logFile *os.File) fiber.Handler {
	return logger.New(logger.Config{
		Output:     io.MultiWriter(os.Stdout, logFile),
		Format:     "${time} | ${status} | ${method} | ${path} | ${reqHeader:X-User-ID} | ${latency}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "Local",
	})
}

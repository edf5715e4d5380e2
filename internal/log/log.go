package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
)

func init() {
	Logger = zap.NewNop()
	Sugar = Logger.Sugar()
}

// InitLogger replaces the default no-op logger. With fileLogging the output goes
// to a rotating file named name (sizes in MB, age in days), otherwise to stdout.
func InitLogger(fileLogging bool, level zapcore.Level, name string, maxSize, maxBackup, maxAge int, compress bool) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var writer zapcore.WriteSyncer
	var encoder zapcore.Encoder
	if fileLogging {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   name,
			MaxSize:    maxSize,
			MaxBackups: maxBackup,
			MaxAge:     maxAge,
			Compress:   compress,
		})
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		writer = zapcore.AddSync(os.Stdout)
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, writer, zap.NewAtomicLevelAt(level))
	Logger = zap.New(core, zap.AddCaller())
	Sugar = Logger.Sugar()
}

// Sync flushes buffered entries, errors are ignored because stdout cannot be synced on most platforms.
func Sync() {
	_ = Logger.Sync()
}

package config

import (
	"github.com/spf13/viper"

	"github.com/ayusman/pluginwarden/internal/logging"
)

// Logger logger config struct
type Logger struct {
	Level      string
	Format     string
	Output     string
	OutputFile string
	Redact     []string
}

func getLoggerConfig(v *viper.Viper) *Logger {
	return &Logger{
		Level:      v.GetString("logger.level"),
		Format:     v.GetString("logger.format"),
		Output:     v.GetString("logger.output"),
		OutputFile: v.GetString("logger.outputFile"),
		Redact:     v.GetStringSlice("logger.redact"),
	}
}

// Logging converts the section for logging.New.
func (l *Logger) Logging() logging.Config {
	return logging.Config{
		Level:      l.Level,
		Format:     l.Format,
		Output:     l.Output,
		OutputFile: l.OutputFile,
		Redact:     l.Redact,
	}
}

package common

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
)

func NewLogger(i do.Injector) (zerolog.Logger, error) {
	levelName := do.MustInvokeNamed[string](i, "log-level")

	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", levelName, err)
	}

	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Caller().
		Logger().
		Level(level)

	return logger, nil
}

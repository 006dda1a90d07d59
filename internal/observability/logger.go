package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger derives the HTTP logger from the configured global logger.
func InitLogger(app, node string) zerolog.Logger {
	return log.Logger.With().Str("app", app).Str("node", node).Logger()
}

package logproto

import (
	"github.com/rs/zerolog/log"
)

// Forward routes a worker record into the process logger. SYSTEM records are
// translated per their type; unknown SYSTEM types are dropped. DEBUG and WARN
// map onto the zerolog levels of the same name, FATAL logs at error, and all
// other levels log at info.
func Forward(rec Record) {
	if rec.Level == LevelSystem {
		forwardSystem(rec)
		return
	}

	switch rec.Level {
	case LevelDebug:
		log.Debug().Msg(rec.Text)
	case LevelWarn:
		log.Warn().Msg(rec.Text)
	case LevelFatal:
		log.Error().Msg(rec.Text)
	default:
		log.Info().Msg(rec.Text)
	}
}

func forwardSystem(rec Record) {
	switch rec.Type {
	case "googleapis-network-access":
		log.Warn().
			Str("href", rec.DataString("href")).
			Msg("Worker attempted to reach a production Google API")
	case "unidentified-network-access":
		log.Warn().
			Str("href", rec.DataString("href")).
			Msg("Worker attempted to reach an unknown external host")
	case "functions-config-missing-value":
		log.Warn().
			Str("value_path", rec.DataString("valuePath")).
			Msg("Function read a missing config value")
	case "default-admin-app-used":
		log.Warn().Msg("Default admin app initialization detected")
	case "non-default-admin-app-used":
		log.Warn().Msg("Non-default admin app in use, bypasses emulator mocks")
	case "missing-module":
		warnModule(rec, "Declared module is not installed")
	case "uninstalled-module":
		warnModule(rec, "Module listed in the manifest is not present on disk")
	case "out-of-date-module":
		log.Warn().
			Str("name", rec.DataString("name")).
			Str("min_version", rec.DataString("minVersion")).
			Msg("Module is below the minimum supported version")
	case "missing-package-json":
		log.Warn().Msg("No package.json found in the functions directory")
	case "admin-not-initialized":
		log.Warn().Msg("Admin SDK was initialized too late to be instrumented")
	case TypeParseError:
		log.Warn().Str("line", rec.Text).Msg("Unparseable worker log line")
	}
}

func warnModule(rec Record, msg string) {
	ev := log.Warn().Str("name", rec.DataString("name"))
	if isDev, ok := rec.Data["isDev"].(bool); ok {
		ev = ev.Bool("is_dev", isDev)
	}
	ev.Msg(msg)
}

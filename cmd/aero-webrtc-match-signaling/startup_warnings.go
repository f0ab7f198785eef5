package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/origin"
)

// minJWTSecretBytes matches the HS256 key size.
const minJWTSecretBytes = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none trusts any client-supplied user id",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && len(cfg.JWTSecret) < minJWTSecretBytes {
		logger.Warn("startup security warning: JWT_SECRET is shorter than 32 bytes",
			"warning_code", "jwt_secret_short",
			"jwt_secret_bytes", len(cfg.JWTSecret),
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, origin.Wildcard) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.DirectoryDriver == config.DirectoryDriverMemory {
		logger.Warn("startup security warning: DIRECTORY_DRIVER=memory while --mode=prod (bans and blocks are lost on restart)",
			"warning_code", "directory_memory_in_prod",
			"directory_driver", cfg.DirectoryDriver,
			"mode", cfg.Mode,
		)
	}

	if cfg.MatchReservationTTL <= 0 {
		logger.Info("match reservations disabled: concurrent finds may return the same candidate",
			"warning_code", "match_reservations_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.CallInitsPerMinute <= 0 {
		logger.Warn("startup security warning: CALL_INITS_PER_MINUTE is 0 (unlimited call attempts per user)",
			"warning_code", "call_inits_unlimited",
			"mode", cfg.Mode,
		)
	}
}

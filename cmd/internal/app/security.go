package app

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"parley/cmd/internal/auth"
)

// ValidateSecurityConfig enforces the token secret policy at startup.
// Strict mode fails fast; otherwise a weak or missing secret is reported and Resolve picks a fallback.
func ValidateSecurityConfig(cfg Config) error {
	switch n := len(cfg.JWTSecret); {
	case n == 0 && cfg.StrictSecurity:
		return errors.New("security policy: PARLEY_STRICT_SECURITY=true but PARLEY_JWT_SECRET is missing")
	case n > 0 && n < auth.MinSecretBytes:
		if cfg.StrictSecurity {
			return fmt.Errorf("security policy: PARLEY_JWT_SECRET is too short (min %d bytes)", auth.MinSecretBytes)
		}
	}
	return nil
}

// resolveJWTSecret returns the configured secret, or an ephemeral random one in non-strict mode.
// Tokens signed with an ephemeral secret do not survive a restart.
func resolveJWTSecret(cfg Config, log Logger) (string, error) {
	if err := ValidateSecurityConfig(cfg); err != nil {
		return "", err
	}
	if len(cfg.JWTSecret) >= auth.MinSecretBytes {
		return cfg.JWTSecret, nil
	}

	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	log.Warn("security.jwt_secret.ephemeral", "reason", "PARLEY_JWT_SECRET missing or shorter than 32 bytes")
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

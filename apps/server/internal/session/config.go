package session

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigFromEnv reads the session tunables.
//
//	SESSION_STAKE_TIMEOUT  Go duration, e.g. "90s"; empty disables the deadline
//	GAME_TARGET_TILE       winning tile value, default 2048
func ConfigFromEnv() Config {
	var cfg Config

	if raw := strings.TrimSpace(os.Getenv("SESSION_STAKE_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			log.Printf("[Session] ignoring invalid SESSION_STAKE_TIMEOUT=%q", raw)
		} else {
			cfg.StakeTimeout = d
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAME_TARGET_TILE")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 4 {
			log.Printf("[Session] ignoring invalid GAME_TARGET_TILE=%q", raw)
		} else {
			cfg.Target = n
		}
	}

	return cfg
}

// Package fmconfig resolves store configuration from the environment, the
// way the teacher's NewValuesStoreOpts/resolveConfig do: read an env var,
// parse it, fall back to a clamped default on absence or parse failure.
// No env-struct library is introduced; the teacher never uses one either.
package fmconfig

import (
	"os"
	"strconv"

	"github.com/woowu/fmstore/fmclock"
)

// Config holds everything the store needs to resolve paths, bucket time,
// and bound projection work.
type Config struct {
	// BlockHours is FM_HOURS_PER_BLOCK, fixed for the lifetime of a store.
	BlockHours int
	// LogConsole is FM_LOG_CONSOLE.
	LogConsole bool
	// DataRoot is the root of the live on-disk tree.
	DataRoot string
	// LiveTravelMax bounds how many live blocks a projection opens.
	LiveTravelMax int
	// ArchiveTravelMax bounds how many archived blocks a projection opens.
	ArchiveTravelMax int
}

// Resolve reads FM_HOURS_PER_BLOCK and FM_LOG_CONSOLE from the environment
// and fills in the remaining fields with their spec-mandated defaults.
// dataRoot is supplied by the caller (the spec has no env var for it).
func Resolve(dataRoot string) Config {
	cfg := Config{
		BlockHours: fmclock.DefaultBlockHours,
		DataRoot:   dataRoot,
	}
	if env := os.Getenv("FM_HOURS_PER_BLOCK"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.BlockHours = val
		}
	}
	cfg.BlockHours = fmclock.ClampBlockHours(cfg.BlockHours)

	if env := os.Getenv("FM_LOG_CONSOLE"); env != "" {
		cfg.LogConsole = isTruthy(env)
	}

	cfg.LiveTravelMax = 48 / cfg.BlockHours
	if cfg.LiveTravelMax < 1 {
		cfg.LiveTravelMax = 1
	}
	cfg.ArchiveTravelMax = 2
	return cfg
}

func isTruthy(s string) bool {
	switch s {
	case "0", "false", "no", "off", "":
		return false
	default:
		return true
	}
}

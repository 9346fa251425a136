// Package checks holds fatal error helpers for scripts and commands, kept apart to prevent dependency cycles.
package checks

import (
	"runtime/debug"
	"strings"

	"github.com/phuslu/log"
)

func Check(err error) {
	if err != nil {
		log.Fatal().Err(err).Str("stack", stack()).Msg("unrecoverable error")
	}
}

func CheckWithMessage(err error, message string) {
	if err != nil {
		log.Fatal().Err(err).Str("stack", stack()).Msg(message)
	}
}

// stack drops the frames of debug.Stack and the check helper itself.
func stack() string {
	lines := strings.Split(string(debug.Stack()), "\n")
	if len(lines) > 7 {
		lines = lines[7:]
	}
	return strings.Join(lines, "\n")
}

// Package privote implements a confidential aggregation and voting core as
// native smart contracts for the dela ledger. Encrypted contributions are
// homomorphically folded into on-ledger accumulators without ever exposing a
// plaintext, and decryption of a result is gated by per-handle access lists
// that only a fixed privileged identity can extend.
package privote

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logout = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// Logger is a globally available logger instance for the off-ledger
// services of the module. The contracts log through dela.Logger.
var Logger = zerolog.New(logout).
	With().Timestamp().Logger().
	With().Caller().Logger().
	Level(zerolog.DebugLevel)

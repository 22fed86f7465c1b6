// Package logging constructs the zap.Logger instances used throughout
// this module, replacing the teacher's package-level fmt.Println and
// log.Fatal calls with structured, leveled logging.
package logging

import "go.uber.org/zap"

// New returns a production-configured logger (JSON encoding, info level)
// when verbose is false, or a development-configured logger (console
// encoding, debug level, caller info) when verbose is true. Intended for
// cmd/tftpd's top-level wiring; library code should accept an injected
// *zap.Logger and fall back to zap.NewNop() rather than call this.
func New(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

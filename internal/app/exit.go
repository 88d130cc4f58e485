package app

import (
	"tunnel/internal/tunnelerr"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitAuth      = 2
	ExitConnect   = 3
	ExitLookup    = 4
	ExitCancelled = 130
)

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if tunnelerr.IsUserCancelled(err) {
		return ExitCancelled
	}
	switch tunnelerr.KindOf(err) {
	case tunnelerr.KindAuth:
		return ExitAuth
	case tunnelerr.KindConnect:
		return ExitConnect
	case tunnelerr.KindLookup:
		return ExitLookup
	}
	return ExitFailure
}

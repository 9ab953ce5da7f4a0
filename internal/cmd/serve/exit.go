package serve

import "fmt"

// Process exit codes. Interrupt follows the shell convention of
// 128+SIGINT; ExitPortConflict marks an explicitly requested port that
// is already bound.
const (
	ExitFailure      = 1
	ExitInterrupt    = 130
	ExitPortConflict = 3
)

// ExitError carries a specific process exit code up to main.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Msg
}

package mcpmon

import "fmt"

// UnavailableError rejects connect attempts for a server whose retry budget
// is exhausted. Only ResetUnavailable (or a fresh StartMonitoring) clears it.
type UnavailableError struct {
	Server   string
	Attempts int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("mcpmon: server %q unavailable after %d failed retries", e.Server, e.Attempts)
}

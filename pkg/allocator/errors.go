package allocator

import "fmt"

// ContextAllocationError means the mandatory blocks alone exceed the
// model's input budget. Non-retriable; surfaced to the user.
type ContextAllocationError struct {
	RoleID    string
	Needed    int
	Available int
}

func (e *ContextAllocationError) Error() string {
	return fmt.Sprintf("context allocation failed for role %q: mandatory content needs %d tokens but only %d are available; reload the model with a larger context window",
		e.RoleID, e.Needed, e.Available)
}

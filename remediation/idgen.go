package remediation

import (
	"fmt"

	"github.com/google/uuid"
)

// newID produces a prefixed opaque identifier for records created by the
// control loop (audit rows, attempts, sessions).
func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// NewCorrelationID generates a correlation id when the caller supplied none.
func NewCorrelationID() string {
	return uuid.NewString()
}

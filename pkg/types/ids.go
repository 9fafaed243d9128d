package types

import (
	"strings"

	"github.com/google/uuid"
)

// NewCallID returns an opaque tool-call identifier for backends that omit one.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

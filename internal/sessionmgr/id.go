package sessionmgr

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// generateID produces an opaque session identifier (spec §3: "UUID or
// fwd_<epoch-ms>"). Sessions created by the fwd foreground helper call
// ForwardID directly instead of relying on this default.
func generateID() string {
	return uuid.NewString()
}

// ForwardID produces the fwd_<epoch-ms> form used by the `fwd` foreground
// helper (spec §3).
func ForwardID() string {
	return fmt.Sprintf("fwd_%d", time.Now().UnixMilli())
}

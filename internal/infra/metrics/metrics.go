package metrics

import (
	"strings"
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Common label values.
const (
	ResultOK    = "ok"
	ResultFail  = "fail"
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultStale = "stale"
)

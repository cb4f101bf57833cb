package importer

import "errors"

// ErrStoreUnavailable marks persistence failures caused by a lost or refused
// database connection. The orchestrator aborts the run on these.
var ErrStoreUnavailable = errors.New("store unavailable")

package worker

import "bulk-task-dispatcher/internal/common"

// remoteStatuses is the execution platform's status vocabulary
var remoteStatuses = map[string]common.Status{
	"pending":    common.StatusPending,
	"processing": common.StatusProcessing,
	"completed":  common.StatusCompleted,
	"failed":     common.StatusFailed,
}

// MapRemoteStatus translates a platform status into the local vocabulary.
// ok is false for values it does not recognise; callers must then leave the
// local status alone.
func MapRemoteStatus(remote string) (status common.Status, ok bool) {
	status, ok = remoteStatuses[remote]
	return status, ok
}

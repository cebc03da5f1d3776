package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ProjectID identifies an ingested file for the lifetime of a session.
func ProjectID() string {
	return uuid.NewString()
}

// OfflineJobID is the job id handed out when no backend is involved.
func OfflineJobID() string {
	return "offline-" + uuid.NewString()
}

// EntryID returns a time-sortable id for client-side log entries.
// ulid.Make is monotonic within the process and safe for concurrent use.
func EntryID() string {
	return ulid.Make().String()
}

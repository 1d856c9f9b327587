// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/gridclaw/internal/types"

// Compile-time interface compliance checks.
var _ types.ArtifactStore = (*ArtifactStore)(nil)
var _ types.JobRecordStore = (*JobRecordStore)(nil)
var _ types.JobEventLog = (*EventLog)(nil)

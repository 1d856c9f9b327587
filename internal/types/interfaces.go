package types

import "context"

type ArtifactStore interface {
	Put(ctx context.Context, data []byte, meta ArtifactMeta) (ArtifactRef, error)
	Get(ctx context.Context, ref ArtifactRef) ([]byte, error)
}

type JobRecordStore interface {
	Upsert(ctx context.Context, record *JobRecord) error
}

type JobEventLog interface {
	Append(ctx context.Context, event *JobEvent) error
	Tail(ctx context.Context, jobID JobID, limit int) ([]*JobEvent, error)
}

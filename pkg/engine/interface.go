package engine

import (
	"context"
	"io"
)

// ClientAPI mirrors Client so callers can substitute it in tests.
type ClientAPI interface {
	Open() error
	Close() error
	BaseURL() string
	LastError() error

	CreateJob(ctx context.Context, cfg JobConfiguration) (string, error)
	GetJob(ctx context.Context, jobID string) (*JobDetails, error)
	ListJobs(ctx context.Context, skip, take int) (*Pagination[JobDetails], error)
	DeleteJob(ctx context.Context, jobID string) (bool, error)
	UpdateJob(ctx context.Context, jobID string, update map[string]interface{}) (bool, error)
	PauseJob(ctx context.Context, jobID string) (bool, error)
	ResumeJob(ctx context.Context, jobID string) (bool, error)
	CloseJob(ctx context.Context, jobID string) (bool, error)
	FlushJob(ctx context.Context, jobID string, opts FlushOptions) (bool, error)

	GetBuckets(ctx context.Context, jobID string, q *BucketsQuery) (*Pagination[Bucket], error)
	GetBucket(ctx context.Context, jobID, timestamp string, expand, includeInterim bool) (Bucket, error)
	GetRecords(ctx context.Context, jobID string, q *RecordsQuery) (*Pagination[AnomalyRecord], error)
	GetInfluencers(ctx context.Context, jobID string, q *InfluencersQuery) (*Pagination[Influencer], error)
	GetCategoryDefinitions(ctx context.Context, jobID string, skip, take int) (*Pagination[CategoryDefinition], error)
	GetCategoryDefinition(ctx context.Context, jobID, categoryID string) (CategoryDefinition, error)
	GetModelSnapshots(ctx context.Context, jobID string, q *SnapshotsQuery) (*Pagination[ModelSnapshot], error)

	ChunkedUpload(ctx context.Context, jobID string, r io.Reader) (*ChunkedUploadResult, error)
	StreamingUpload(ctx context.Context, jobID string, r io.Reader, opts UploadOptions) (*MultiDataPostResult, error)
	StreamingUploadMulti(ctx context.Context, jobIDs []string, r io.Reader, opts UploadOptions) (*MultiDataPostResult, error)
}

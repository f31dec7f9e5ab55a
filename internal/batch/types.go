package batch

import (
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ochronus/engineapi/internal/config"
	"github.com/ochronus/engineapi/pkg/engine"
)

// Job is one file to upload to one engine job
type Job struct {
	JobID      string
	Path       string
	Compressed bool
	Gzip       bool
	Chunked    bool
	Close      bool
}

// String returns a formatted string representation of the job
func (j Job) String() string {
	return fmt.Sprintf("[%s: %s]", j.JobID, filepath.Base(j.Path))
}

// JobsFromConfig converts the configured uploads into jobs
func JobsFromConfig(cfg *config.Config) []Job {
	jobs := make([]Job, 0, len(cfg.Uploads))
	for _, up := range cfg.Uploads {
		jobs = append(jobs, Job{
			JobID:      up.JobID,
			Path:       up.Path,
			Compressed: up.Compressed,
			Gzip:       up.Gzip,
			Chunked:    up.Chunked,
			Close:      up.Close,
		})
	}
	return jobs
}

// Status represents the outcome of an upload
type Status int

const (
	StatusSuccess Status = iota
	// StatusRejected means the engine answered but refused (some of) the data
	StatusRejected
	// StatusFailed means the data could not be delivered
	StatusFailed
)

// String returns a string representation of the status
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusRejected:
		return "Rejected"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Result is the outcome of one Job
type Result struct {
	Job      Job
	Status   Status
	Counts   engine.DataCounts
	Bytes    int64
	Duration time.Duration
	Closed   bool
	Err      error
}

// jobMessage hands a job and its slot in the result list to a worker
type jobMessage struct {
	Index int
	Job   Job
}

// countingReader counts the bytes read from the source file and closes it
// when the uploader is done with it
type countingReader struct {
	r io.ReadCloser
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReader) Close() error {
	return c.r.Close()
}

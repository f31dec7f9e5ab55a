package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ochronus/engineapi/internal/app"
	"github.com/ochronus/engineapi/pkg/engine"
	"github.com/sirupsen/logrus"
)

// Manager uploads files with a pool of workers. Every worker owns its own
// engine client because a client runs one operation at a time.
type Manager struct {
	workers   int
	newClient app.ClientFactory
	logger    *logrus.Logger
}

// NewManager creates a new batch upload manager
func NewManager(container *app.Container) *Manager {
	workers := container.Config.UploadWorkers
	if workers < 1 {
		workers = 1
	}
	return &Manager{
		workers:   workers,
		newClient: container.NewClient,
		logger:    container.Logger,
	}
}

// Run uploads all jobs and returns one result per job, in input order. When
// ctx ends, jobs that were not started are reported as failed.
func (m *Manager) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	started := make([]bool, len(jobs))
	jobChan := make(chan jobMessage)

	workers := m.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go m.uploadWorker(ctx, i, jobChan, results, &wg)
	}

dispatch:
	for i, job := range jobs {
		select {
		case <-ctx.Done():
			break dispatch
		case jobChan <- jobMessage{Index: i, Job: job}:
			started[i] = true
		}
	}
	close(jobChan)
	wg.Wait()

	for i := range jobs {
		if !started[i] {
			results[i] = Result{Job: jobs[i], Status: StatusFailed, Err: fmt.Errorf("not started: %w", ctx.Err())}
		}
	}
	return results
}

// uploadWorker handles uploads until the job channel is closed
func (m *Manager) uploadWorker(ctx context.Context, id int, jobChan <-chan jobMessage, results []Result, wg *sync.WaitGroup) {
	defer wg.Done()

	client := m.newClient()
	defer func() {
		if err := client.Close(); err != nil {
			m.logger.Debugf("upload worker %d: closing client: %v", id, err)
		}
	}()

	for msg := range jobChan {
		results[msg.Index] = m.upload(ctx, client, msg.Job)
	}
}

// upload sends a single file and optionally closes the job afterwards
func (m *Manager) upload(ctx context.Context, client engine.ClientAPI, job Job) Result {
	result := Result{Job: job}
	start := time.Now()

	file, err := os.Open(job.Path)
	if err != nil {
		result.Status = StatusFailed
		result.Err = fmt.Errorf("failed to open %s: %w", job.Path, err)
		m.logger.Errorf("%s: %v", job, result.Err)
		return result
	}
	src := &countingReader{r: file}
	defer src.Close()

	m.logger.Infof("%s: upload started", job)

	if job.Chunked {
		res, err := client.ChunkedUpload(ctx, job.JobID, src)
		if res != nil {
			result.Counts = res.Totals
			if err == nil {
				err = res.Err()
			}
		}
		result.Err = err
	} else {
		res, err := client.StreamingUpload(ctx, job.JobID, src, engine.UploadOptions{
			Compressed: job.Compressed,
			Gzip:       job.Gzip,
		})
		if resp, ok := res.Response(job.JobID); ok {
			result.Counts = resp.UploadSummary
		}
		result.Err = err
	}

	result.Bytes = src.n.Load()
	result.Duration = time.Since(start)
	result.Status = classify(result.Err)

	if result.Status != StatusSuccess {
		m.logger.Warnf("%s: upload %s after %s: %v", job, result.Status, result.Duration.Round(time.Millisecond), result.Err)
		return result
	}
	m.logger.Infof("%s: upload done, %d records in %s", job, result.Counts.ProcessedRecordCount, result.Duration.Round(time.Millisecond))

	if job.Close {
		closed, err := client.CloseJob(ctx, job.JobID)
		if err != nil {
			m.logger.Errorf("%s: failed to close job: %v", job, err)
			result.Err = fmt.Errorf("failed to close job %s: %w", job.JobID, err)
			result.Status = classify(err)
			return result
		}
		result.Closed = closed
	}
	return result
}

func classify(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var apiErr *engine.APIError
	if errors.As(err, &apiErr) {
		return StatusRejected
	}
	return StatusFailed
}

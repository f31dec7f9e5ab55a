package engine

import (
	"context"
	"fmt"
	"net/http"
)

// CreateJob posts a job configuration and returns the id the engine assigned.
func (c *Client) CreateJob(ctx context.Context, cfg JobConfiguration) (string, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/jobs", nil, cfg)
	if err == nil && status != http.StatusCreated {
		err = parseAPIError(status, body)
	}
	if err != nil {
		c.setLastError(err)
		return "", err
	}

	var created CreatedJob
	if err := decode(body, &created); err != nil {
		c.setLastError(err)
		return "", err
	}
	if created.ID == "" {
		err := fmt.Errorf("engine created a job but returned no id")
		c.setLastError(err)
		return "", err
	}
	c.setLastError(nil)
	return created.ID, nil
}

// GetJob returns the job with the given id, or nil if it does not exist.
func (c *Client) GetJob(ctx context.Context, jobID string) (*JobDetails, error) {
	var doc SingleDocument[JobDetails]
	found, err := c.getJSON(ctx, "/jobs/"+escapeID(jobID), nil, &doc)
	c.setLastError(err)
	if err != nil || !found || !doc.Exists {
		return nil, err
	}
	return doc.Document, nil
}

// ListJobs returns a page of jobs.
func (c *Client) ListJobs(ctx context.Context, skip, take int) (*Pagination[JobDetails], error) {
	var page Pagination[JobDetails]
	found, err := c.getJSON(ctx, "/jobs", pageValues(skip, take), &page)
	c.setLastError(err)
	if err != nil || !found {
		return nil, err
	}
	return &page, nil
}

// DeleteJob deletes a job and all its results.
func (c *Client) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	ok, err := c.sendExpecting(ctx, http.MethodDelete, "/jobs/"+escapeID(jobID), nil, nil, http.StatusOK)
	c.setLastError(err)
	return ok, err
}

// UpdateJob applies a partial update, e.g. {"description": "..."}.
func (c *Client) UpdateJob(ctx context.Context, jobID string, update map[string]interface{}) (bool, error) {
	ok, err := c.sendExpecting(ctx, http.MethodPut, "/jobs/"+escapeID(jobID)+"/update", nil, update, http.StatusOK)
	c.setLastError(err)
	return ok, err
}

// PauseJob stops the job from accepting data without closing it.
func (c *Client) PauseJob(ctx context.Context, jobID string) (bool, error) {
	ok, err := c.sendExpecting(ctx, http.MethodPost, "/jobs/"+escapeID(jobID)+"/pause", nil, nil, http.StatusOK)
	c.setLastError(err)
	return ok, err
}

// ResumeJob undoes PauseJob.
func (c *Client) ResumeJob(ctx context.Context, jobID string) (bool, error) {
	ok, err := c.sendExpecting(ctx, http.MethodPost, "/jobs/"+escapeID(jobID)+"/resume", nil, nil, http.StatusOK)
	c.setLastError(err)
	return ok, err
}

// CloseJob finishes processing of uploaded data and persists the model.
func (c *Client) CloseJob(ctx context.Context, jobID string) (bool, error) {
	ok, err := c.sendExpecting(ctx, http.MethodPost, "/data/"+escapeID(jobID)+"/close", nil, nil, http.StatusAccepted)
	c.setLastError(err)
	return ok, err
}

// FlushJob forces buffered data through the analysis, optionally computing
// interim results for the given range.
func (c *Client) FlushJob(ctx context.Context, jobID string, opts FlushOptions) (bool, error) {
	ok, err := c.sendExpecting(ctx, http.MethodPost, "/data/"+escapeID(jobID)+"/flush", opts.values(), nil, http.StatusOK)
	c.setLastError(err)
	return ok, err
}

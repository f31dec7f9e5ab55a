package engine

import (
	"context"
	"net/url"
	"strconv"
)

// GetBuckets returns a page of result buckets for a job. A missing job yields
// nil unless the client reports 404 as an error.
func (c *Client) GetBuckets(ctx context.Context, jobID string, q *BucketsQuery) (*Pagination[Bucket], error) {
	if q == nil {
		q = NewBucketsQuery()
	}
	return getPage[Bucket](ctx, c, "/results/"+escapeID(jobID)+"/buckets", q.values())
}

// GetBucket returns the bucket starting at timestamp.
func (c *Client) GetBucket(ctx context.Context, jobID, timestamp string, expand, includeInterim bool) (Bucket, error) {
	q := url.Values{}
	q.Set("expand", strconv.FormatBool(expand))
	q.Set("includeInterim", strconv.FormatBool(includeInterim))

	var doc SingleDocument[Bucket]
	found, err := c.getJSON(ctx, "/results/"+escapeID(jobID)+"/buckets/"+url.PathEscape(timestamp), q, &doc)
	c.setLastError(err)
	if err != nil || !found || !doc.Exists || doc.Document == nil {
		return nil, err
	}
	return *doc.Document, nil
}

// GetRecords returns a page of anomaly records.
func (c *Client) GetRecords(ctx context.Context, jobID string, q *RecordsQuery) (*Pagination[AnomalyRecord], error) {
	if q == nil {
		q = NewRecordsQuery()
	}
	return getPage[AnomalyRecord](ctx, c, "/results/"+escapeID(jobID)+"/records", q.values())
}

// GetInfluencers returns a page of influencers.
func (c *Client) GetInfluencers(ctx context.Context, jobID string, q *InfluencersQuery) (*Pagination[Influencer], error) {
	if q == nil {
		q = NewInfluencersQuery()
	}
	return getPage[Influencer](ctx, c, "/results/"+escapeID(jobID)+"/influencers", q.values())
}

// GetCategoryDefinitions returns a page of categories found by categorization.
func (c *Client) GetCategoryDefinitions(ctx context.Context, jobID string, skip, take int) (*Pagination[CategoryDefinition], error) {
	return getPage[CategoryDefinition](ctx, c, "/results/"+escapeID(jobID)+"/categorydefinitions", pageValues(skip, take))
}

// GetCategoryDefinition returns one category.
func (c *Client) GetCategoryDefinition(ctx context.Context, jobID, categoryID string) (CategoryDefinition, error) {
	var doc SingleDocument[CategoryDefinition]
	found, err := c.getJSON(ctx, "/results/"+escapeID(jobID)+"/categorydefinitions/"+escapeID(categoryID), nil, &doc)
	c.setLastError(err)
	if err != nil || !found || !doc.Exists || doc.Document == nil {
		return nil, err
	}
	return *doc.Document, nil
}

// GetModelSnapshots returns a page of model snapshots.
func (c *Client) GetModelSnapshots(ctx context.Context, jobID string, q *SnapshotsQuery) (*Pagination[ModelSnapshot], error) {
	if q == nil {
		q = NewSnapshotsQuery()
	}
	return getPage[ModelSnapshot](ctx, c, "/modelsnapshots/"+escapeID(jobID), q.values())
}

func getPage[T any](ctx context.Context, c *Client, path string, q url.Values) (*Pagination[T], error) {
	var page Pagination[T]
	found, err := c.getJSON(ctx, path, q, &page)
	c.setLastError(err)
	if err != nil || !found {
		return nil, err
	}
	return &page, nil
}

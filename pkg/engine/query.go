package engine

import (
	"net/url"
	"strconv"
)

// query accumulates request parameters for the result builders below. Unset
// parameters are left out so the engine applies its own defaults.
type query struct {
	v url.Values
}

func (q *query) set(key, value string) {
	if q.v == nil {
		q.v = url.Values{}
	}
	q.v.Set(key, value)
}

func (q *query) setInt(key string, n int) {
	q.set(key, strconv.Itoa(n))
}

func (q *query) setFloat(key string, f float64) {
	q.set(key, strconv.FormatFloat(f, 'f', -1, 64))
}

func (q *query) setBool(key string, b bool) {
	q.set(key, strconv.FormatBool(b))
}

func (q *query) values() url.Values {
	out := url.Values{}
	for k, vs := range q.v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// BucketsQuery selects a page of buckets.
type BucketsQuery struct{ query }

// NewBucketsQuery returns an empty buckets query.
func NewBucketsQuery() *BucketsQuery { return &BucketsQuery{} }

func (q *BucketsQuery) Skip(n int) *BucketsQuery { q.setInt("skip", n); return q }
func (q *BucketsQuery) Take(n int) *BucketsQuery { q.setInt("take", n); return q }
func (q *BucketsQuery) Start(s string) *BucketsQuery { q.set("start", s); return q }
func (q *BucketsQuery) End(s string) *BucketsQuery { q.set("end", s); return q }

// Expand includes the anomaly records of every bucket.
func (q *BucketsQuery) Expand(b bool) *BucketsQuery { q.setBool("expand", b); return q }

func (q *BucketsQuery) IncludeInterim(b bool) *BucketsQuery {
	q.setBool("includeInterim", b)
	return q
}

func (q *BucketsQuery) AnomalyScoreThreshold(f float64) *BucketsQuery {
	q.setFloat("anomalyScore", f)
	return q
}

func (q *BucketsQuery) NormalizedProbabilityThreshold(f float64) *BucketsQuery {
	q.setFloat("maxNormalizedProbability", f)
	return q
}

// RecordsQuery selects a page of anomaly records.
type RecordsQuery struct{ query }

// NewRecordsQuery returns an empty records query.
func NewRecordsQuery() *RecordsQuery { return &RecordsQuery{} }

func (q *RecordsQuery) Skip(n int) *RecordsQuery { q.setInt("skip", n); return q }
func (q *RecordsQuery) Take(n int) *RecordsQuery { q.setInt("take", n); return q }
func (q *RecordsQuery) Start(s string) *RecordsQuery { q.set("start", s); return q }
func (q *RecordsQuery) End(s string) *RecordsQuery { q.set("end", s); return q }

func (q *RecordsQuery) IncludeInterim(b bool) *RecordsQuery {
	q.setBool("includeInterim", b)
	return q
}

func (q *RecordsQuery) AnomalyScoreThreshold(f float64) *RecordsQuery {
	q.setFloat("anomalyScore", f)
	return q
}

func (q *RecordsQuery) NormalizedProbabilityThreshold(f float64) *RecordsQuery {
	q.setFloat("normalizedProbability", f)
	return q
}

func (q *RecordsQuery) SortField(field string) *RecordsQuery { q.set("sort", field); return q }
func (q *RecordsQuery) Descending(b bool) *RecordsQuery { q.setBool("desc", b); return q }

// InfluencersQuery selects a page of influencers.
type InfluencersQuery struct{ query }

// NewInfluencersQuery returns an empty influencers query.
func NewInfluencersQuery() *InfluencersQuery { return &InfluencersQuery{} }

func (q *InfluencersQuery) Skip(n int) *InfluencersQuery { q.setInt("skip", n); return q }
func (q *InfluencersQuery) Take(n int) *InfluencersQuery { q.setInt("take", n); return q }
func (q *InfluencersQuery) Start(s string) *InfluencersQuery { q.set("start", s); return q }
func (q *InfluencersQuery) End(s string) *InfluencersQuery { q.set("end", s); return q }

func (q *InfluencersQuery) IncludeInterim(b bool) *InfluencersQuery {
	q.setBool("includeInterim", b)
	return q
}

func (q *InfluencersQuery) AnomalyScoreThreshold(f float64) *InfluencersQuery {
	q.setFloat("anomalyScore", f)
	return q
}

func (q *InfluencersQuery) SortField(field string) *InfluencersQuery {
	q.set("sort", field)
	return q
}

func (q *InfluencersQuery) Descending(b bool) *InfluencersQuery { q.setBool("desc", b); return q }

// SnapshotsQuery selects a page of model snapshots.
type SnapshotsQuery struct{ query }

// NewSnapshotsQuery returns an empty model snapshots query.
func NewSnapshotsQuery() *SnapshotsQuery { return &SnapshotsQuery{} }

func (q *SnapshotsQuery) Skip(n int) *SnapshotsQuery { q.setInt("skip", n); return q }
func (q *SnapshotsQuery) Take(n int) *SnapshotsQuery { q.setInt("take", n); return q }
func (q *SnapshotsQuery) Start(s string) *SnapshotsQuery { q.set("start", s); return q }
func (q *SnapshotsQuery) End(s string) *SnapshotsQuery { q.set("end", s); return q }

func (q *SnapshotsQuery) Description(s string) *SnapshotsQuery {
	q.set("description", s)
	return q
}

func (q *SnapshotsQuery) SortField(field string) *SnapshotsQuery { q.set("sort", field); return q }
func (q *SnapshotsQuery) Descending(b bool) *SnapshotsQuery { q.setBool("desc", b); return q }

// FlushOptions controls a flush of buffered data.
type FlushOptions struct {
	CalcInterim bool
	Start       string
	End         string
	AdvanceTime string
}

func (o FlushOptions) values() url.Values {
	var q query
	if o.CalcInterim {
		q.setBool("calcInterim", true)
	}
	if o.Start != "" {
		q.set("start", o.Start)
	}
	if o.End != "" {
		q.set("end", o.End)
	}
	if o.AdvanceTime != "" {
		q.set("advanceTime", o.AdvanceTime)
	}
	return q.values()
}

// pageValues is used by the list endpoints that only take skip and take.
func pageValues(skip, take int) url.Values {
	var q query
	q.setInt("skip", skip)
	q.setInt("take", take)
	return q.values()
}

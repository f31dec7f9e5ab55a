package engine

import (
	"time"
)

// JobStatus is the lifecycle state the engine reports for a job.
type JobStatus string

const (
	JobStatusClosed  JobStatus = "CLOSED"
	JobStatusClosing JobStatus = "CLOSING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusFailed  JobStatus = "FAILED"
	JobStatusPaused  JobStatus = "PAUSED"
	JobStatusPausing JobStatus = "PAUSING"
)

// Detector describes a single analysis function applied to the data.
type Detector struct {
	Function            string `json:"function,omitempty"`
	FieldName           string `json:"fieldName,omitempty"`
	ByFieldName         string `json:"byFieldName,omitempty"`
	OverFieldName       string `json:"overFieldName,omitempty"`
	PartitionFieldName  string `json:"partitionFieldName,omitempty"`
	DetectorDescription string `json:"detectorDescription,omitempty"`
	UseNull             bool   `json:"useNull,omitempty"`
	ExcludeFrequent     string `json:"excludeFrequent,omitempty"`
}

// AnalysisConfig holds the detectors and bucketing of a job.
type AnalysisConfig struct {
	BucketSpan              int64      `json:"bucketSpan,omitempty"`
	BatchSpan               int64      `json:"batchSpan,omitempty"`
	Latency                 int64      `json:"latency,omitempty"`
	Period                  int64      `json:"period,omitempty"`
	SummaryCountFieldName   string     `json:"summaryCountFieldName,omitempty"`
	CategorizationFieldName string     `json:"categorizationFieldName,omitempty"`
	Detectors               []Detector `json:"detectors"`
	Influencers             []string   `json:"influencers,omitempty"`
	OverlappingBuckets      *bool      `json:"overlappingBuckets,omitempty"`
	MultivariateByFields    *bool      `json:"multivariateByFields,omitempty"`
}

// AnalysisLimits caps the resources a job may use.
type AnalysisLimits struct {
	ModelMemoryLimit            int64 `json:"modelMemoryLimit,omitempty"`
	CategorizationExamplesLimit int64 `json:"categorizationExamplesLimit,omitempty"`
}

// DataDescription tells the engine how to parse uploaded data.
type DataDescription struct {
	Format         string `json:"format,omitempty"`
	FieldDelimiter string `json:"fieldDelimiter,omitempty"`
	QuoteCharacter string `json:"quoteCharacter,omitempty"`
	TimeField      string `json:"timeField,omitempty"`
	TimeFormat     string `json:"timeFormat,omitempty"`
}

// JobConfiguration is the document posted to create a job. An empty ID lets the
// engine generate one.
type JobConfiguration struct {
	ID                         string            `json:"id,omitempty"`
	Description                string            `json:"description,omitempty"`
	AnalysisConfig             *AnalysisConfig   `json:"analysisConfig,omitempty"`
	AnalysisLimits             *AnalysisLimits   `json:"analysisLimits,omitempty"`
	DataDescription            *DataDescription  `json:"dataDescription,omitempty"`
	Timeout                    int64             `json:"timeout,omitempty"`
	BackgroundPersistInterval  int64             `json:"backgroundPersistInterval,omitempty"`
	RenormalizationWindowDays  int64             `json:"renormalizationWindowDays,omitempty"`
	ModelSnapshotRetentionDays int64             `json:"modelSnapshotRetentionDays,omitempty"`
	ResultsRetentionDays       int64             `json:"resultsRetentionDays,omitempty"`
	CustomSettings             map[string]string `json:"customSettings,omitempty"`
}

// CreatedJob is the engine's answer to a successful job creation.
type CreatedJob struct {
	ID string `json:"id"`
}

// JobDetails is the engine's view of an existing job.
type JobDetails struct {
	ID              string            `json:"id"`
	Description     string            `json:"description,omitempty"`
	Status          JobStatus         `json:"status"`
	CreateTime      *time.Time        `json:"createTime,omitempty"`
	FinishedTime    *time.Time        `json:"finishedTime,omitempty"`
	LastDataTime    *time.Time        `json:"lastDataTime,omitempty"`
	Timeout         int64             `json:"timeout,omitempty"`
	AnalysisConfig  *AnalysisConfig   `json:"analysisConfig,omitempty"`
	AnalysisLimits  *AnalysisLimits   `json:"analysisLimits,omitempty"`
	DataDescription *DataDescription  `json:"dataDescription,omitempty"`
	Counts          DataCounts        `json:"counts"`
	Endpoints       map[string]string `json:"endpoints,omitempty"`
}

// DataCounts summarises what the engine did with uploaded data.
type DataCounts struct {
	BucketCount              int64      `json:"bucketCount"`
	ProcessedRecordCount     int64      `json:"processedRecordCount"`
	ProcessedFieldCount      int64      `json:"processedFieldCount"`
	InputBytes               int64      `json:"inputBytes"`
	InputRecordCount         int64      `json:"inputRecordCount"`
	InputFieldCount          int64      `json:"inputFieldCount"`
	InvalidDateCount         int64      `json:"invalidDateCount"`
	MissingFieldCount        int64      `json:"missingFieldCount"`
	OutOfOrderTimeStampCount int64      `json:"outOfOrderTimeStampCount"`
	FailedTransformCount     int64      `json:"failedTransformCount"`
	ExcludedRecordCount      int64      `json:"excludedRecordCount"`
	LatestRecordTimeStamp    *time.Time `json:"latestRecordTimeStamp,omitempty"`
}

// Add accumulates other into d. The latest record timestamp is the later of the two.
func (d *DataCounts) Add(other DataCounts) {
	d.BucketCount += other.BucketCount
	d.ProcessedRecordCount += other.ProcessedRecordCount
	d.ProcessedFieldCount += other.ProcessedFieldCount
	d.InputBytes += other.InputBytes
	d.InputRecordCount += other.InputRecordCount
	d.InputFieldCount += other.InputFieldCount
	d.InvalidDateCount += other.InvalidDateCount
	d.MissingFieldCount += other.MissingFieldCount
	d.OutOfOrderTimeStampCount += other.OutOfOrderTimeStampCount
	d.FailedTransformCount += other.FailedTransformCount
	d.ExcludedRecordCount += other.ExcludedRecordCount
	if other.LatestRecordTimeStamp != nil &&
		(d.LatestRecordTimeStamp == nil || other.LatestRecordTimeStamp.After(*d.LatestRecordTimeStamp)) {
		ts := *other.LatestRecordTimeStamp
		d.LatestRecordTimeStamp = &ts
	}
}

// DataPostResponse is the outcome of an upload for one job.
type DataPostResponse struct {
	JobID         string     `json:"jobId"`
	UploadSummary DataCounts `json:"uploadSummary"`
	Error         *APIError  `json:"error,omitempty"`
}

// MultiDataPostResult is the body of an upload response, one entry per target job.
type MultiDataPostResult struct {
	Responses []DataPostResponse `json:"responses"`
}

// AnErrorOccurred reports whether any target job rejected the upload.
func (m *MultiDataPostResult) AnErrorOccurred() bool {
	return m.FirstError() != nil
}

// FirstError returns the first per-job error, or nil.
func (m *MultiDataPostResult) FirstError() *APIError {
	if m == nil {
		return nil
	}
	for i := range m.Responses {
		if m.Responses[i].Error != nil {
			return m.Responses[i].Error
		}
	}
	return nil
}

// Response returns the entry for jobID.
func (m *MultiDataPostResult) Response(jobID string) (DataPostResponse, bool) {
	if m == nil {
		return DataPostResponse{}, false
	}
	for _, r := range m.Responses {
		if r.JobID == jobID {
			return r, true
		}
	}
	return DataPostResponse{}, false
}

// SingleDocument wraps a single resource lookup.
type SingleDocument[T any] struct {
	Exists     bool   `json:"exists"`
	Type       string `json:"type,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
	Document   *T     `json:"document,omitempty"`
}

// Pagination is a page of documents from a list endpoint.
type Pagination[T any] struct {
	HitCount     int64  `json:"hitCount"`
	Skip         int    `json:"skip"`
	Take         int    `json:"take"`
	NextPage     string `json:"nextPage,omitempty"`
	PreviousPage string `json:"previousPage,omitempty"`
	Documents    []T    `json:"documents"`
}

// Document is a server computed result. Its structure is owned by the engine.
type Document map[string]interface{}

// String returns the string value stored under key.
func (d Document) String(key string) (string, bool) {
	v, ok := d[key].(string)
	return v, ok
}

// Float returns the numeric value stored under key.
func (d Document) Float(key string) (float64, bool) {
	v, ok := d[key].(float64)
	return v, ok
}

// Timestamp parses the "timestamp" field, which the engine writes either as
// RFC 3339 or as epoch milliseconds.
func (d Document) Timestamp() (time.Time, bool) {
	switch v := d["timestamp"].(type) {
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	}
	return time.Time{}, false
}

// AnomalyScore returns the "anomalyScore" field.
func (d Document) AnomalyScore() (float64, bool) {
	return d.Float("anomalyScore")
}

// Result document kinds.
type (
	Bucket             = Document
	AnomalyRecord      = Document
	Influencer         = Document
	CategoryDefinition = Document
	ModelSnapshot      = Document
)

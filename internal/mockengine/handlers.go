package mockengine

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/ochronus/engineapi/pkg/engine"
	"github.com/sirupsen/logrus"
)

// Options change how the mock engine treats uploads.
type Options struct {
	// RejectUpload, when set, is asked for every upload request to a job; n is
	// the 1-based number of that request for the job. A non-nil error rejects it.
	RejectUpload func(jobID string, n int) *engine.APIError

	// DropAfterBytes closes the connection once this many body bytes were read.
	DropAfterBytes int64
}

type jobState struct {
	details engine.JobDetails
	uploads int
}

// Engine is an in-memory stand-in for the analytics engine REST API.
type Engine struct {
	opts   Options
	logger *logrus.Logger

	mu   sync.Mutex
	jobs map[string]*jobState
}

// New creates an empty engine.
func New(logger *logrus.Logger, opts Options) *Engine {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Engine{
		opts:   opts,
		logger: logger,
		jobs:   make(map[string]*jobState),
	}
}

// Router serves the engine API below root, e.g. "/engine/v2", behind the
// given middleware.
func (e *Engine) Router(root string, middleware ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware...)

	api := router.Group(strings.TrimRight(root, "/"))

	api.POST("/jobs", e.createJob)
	api.GET("/jobs", e.listJobs)
	api.GET("/jobs/:id", e.getJob)
	api.DELETE("/jobs/:id", e.deleteJob)
	api.PUT("/jobs/:id/update", e.updateJob)
	api.POST("/jobs/:id/pause", e.setStatus(engine.JobStatusPaused))
	api.POST("/jobs/:id/resume", e.setStatus(engine.JobStatusClosed))

	api.POST("/data/:id", e.upload)
	api.POST("/data/:id/close", e.closeJob)
	api.POST("/data/:id/flush", e.flushJob)

	api.GET("/results/:id/buckets", e.emptyPage)
	api.GET("/results/:id/buckets/:timestamp", e.missingDocument)
	api.GET("/results/:id/records", e.emptyPage)
	api.GET("/results/:id/influencers", e.emptyPage)
	api.GET("/results/:id/categorydefinitions", e.emptyPage)
	api.GET("/results/:id/categorydefinitions/:cid", e.missingDocument)
	api.GET("/modelsnapshots/:id", e.emptyPage)

	return router
}

// Job returns a copy of the job details.
func (e *Engine) Job(id string) (engine.JobDetails, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return engine.JobDetails{}, false
	}
	return j.details, true
}

// AddJob registers a job directly, bypassing the API.
func (e *Engine) AddJob(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	e.jobs[id] = &jobState{details: engine.JobDetails{ID: id, Status: engine.JobStatusClosed, CreateTime: &now}}
}

func apiError(c *gin.Context, status int, code engine.ErrorCode, format string, args ...interface{}) {
	c.JSON(status, engine.APIError{Code: code, Message: fmt.Sprintf(format, args...)})
}

func (e *Engine) createJob(c *gin.Context) {
	var cfg engine.JobConfiguration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		apiError(c, http.StatusBadRequest, engine.JobConfigParseError, "cannot parse job configuration: %v", err)
		return
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.jobs[cfg.ID]; exists {
		apiError(c, http.StatusBadRequest, engine.JobIDAlreadyExists, "job %s already exists", cfg.ID)
		return
	}
	now := time.Now().UTC()
	e.jobs[cfg.ID] = &jobState{details: engine.JobDetails{
		ID:              cfg.ID,
		Description:     cfg.Description,
		Status:          engine.JobStatusClosed,
		CreateTime:      &now,
		Timeout:         cfg.Timeout,
		AnalysisConfig:  cfg.AnalysisConfig,
		AnalysisLimits:  cfg.AnalysisLimits,
		DataDescription: cfg.DataDescription,
	}}
	e.logger.Infof("created job %s", cfg.ID)
	c.JSON(http.StatusCreated, engine.CreatedJob{ID: cfg.ID})
}

func (e *Engine) listJobs(c *gin.Context) {
	skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
	take, _ := strconv.Atoi(c.DefaultQuery("take", "100"))

	e.mu.Lock()
	ids := make([]string, 0, len(e.jobs))
	for id := range e.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	page := engine.Pagination[engine.JobDetails]{HitCount: int64(len(ids)), Skip: skip, Take: take}
	for i := skip; i < len(ids) && i < skip+take; i++ {
		page.Documents = append(page.Documents, e.jobs[ids[i]].details)
	}
	e.mu.Unlock()

	c.JSON(http.StatusOK, page)
}

// lookup writes a 404 and returns nil when the job is unknown. The caller holds e.mu.
func (e *Engine) lookup(c *gin.Context, id string) *jobState {
	j, ok := e.jobs[id]
	if !ok {
		apiError(c, http.StatusNotFound, engine.UnknownJobError, "no known job with id '%s'", id)
		return nil
	}
	return j
}

func (e *Engine) getJob(c *gin.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.lookup(c, c.Param("id"))
	if j == nil {
		return
	}
	details := j.details
	c.JSON(http.StatusOK, engine.SingleDocument[engine.JobDetails]{
		Exists:     true,
		Type:       "job",
		DocumentID: details.ID,
		Document:   &details,
	})
}

func (e *Engine) deleteJob(c *gin.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := c.Param("id")
	if e.lookup(c, id) == nil {
		return
	}
	delete(e.jobs, id)
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (e *Engine) updateJob(c *gin.Context) {
	var update map[string]interface{}
	if err := c.ShouldBindJSON(&update); err != nil {
		apiError(c, http.StatusBadRequest, engine.JobConfigParseError, "cannot parse update: %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.lookup(c, c.Param("id"))
	if j == nil {
		return
	}
	for key, value := range update {
		switch key {
		case "description":
			s, ok := value.(string)
			if !ok {
				apiError(c, http.StatusBadRequest, engine.JobConfigParseError, "description must be a string")
				return
			}
			j.details.Description = s
		case "timeout":
			f, ok := value.(float64)
			if !ok {
				apiError(c, http.StatusBadRequest, engine.JobConfigParseError, "timeout must be a number")
				return
			}
			j.details.Timeout = int64(f)
		default:
			apiError(c, http.StatusBadRequest, engine.JobConfigUnknownField, "unknown update field '%s'", key)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (e *Engine) setStatus(status engine.JobStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()
		j := e.lookup(c, c.Param("id"))
		if j == nil {
			return
		}
		j.details.Status = status
		c.JSON(http.StatusOK, gin.H{"acknowledged": true})
	}
}

func (e *Engine) closeJob(c *gin.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.lookup(c, c.Param("id"))
	if j == nil {
		return
	}
	now := time.Now().UTC()
	j.details.Status = engine.JobStatusClosed
	j.details.FinishedTime = &now
	c.JSON(http.StatusAccepted, gin.H{"acknowledged": true})
}

func (e *Engine) flushJob(c *gin.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.lookup(c, c.Param("id"))
	if j == nil {
		return
	}
	if j.details.Status != engine.JobStatusRunning {
		apiError(c, http.StatusBadRequest, engine.JobNotRunning, "job %s has no data to flush", j.details.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (e *Engine) emptyPage(c *gin.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lookup(c, c.Param("id")) == nil {
		return
	}
	skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
	take, _ := strconv.Atoi(c.DefaultQuery("take", "100"))
	c.JSON(http.StatusOK, engine.Pagination[engine.Document]{Skip: skip, Take: take, Documents: []engine.Document{}})
}

func (e *Engine) missingDocument(c *gin.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lookup(c, c.Param("id")) == nil {
		return
	}
	c.JSON(http.StatusOK, engine.SingleDocument[engine.Document]{Exists: false})
}

func (e *Engine) upload(c *gin.Context) {
	ids := strings.Split(c.Param("id"), ",")

	data, err := e.readBody(c)
	if err != nil {
		if err == errDropped {
			return
		}
		apiError(c, http.StatusBadRequest, engine.UploadDataParseError, "cannot read upload: %v", err)
		return
	}
	counts := countRecords(data)

	e.mu.Lock()
	defer e.mu.Unlock()

	result := engine.MultiDataPostResult{}
	failed := false
	for _, id := range ids {
		resp := engine.DataPostResponse{JobID: id}
		j, ok := e.jobs[id]
		switch {
		case !ok:
			resp.Error = &engine.APIError{Code: engine.UnknownJobError, Message: fmt.Sprintf("no known job with id '%s'", id)}
		case j.details.Status == engine.JobStatusPaused:
			resp.Error = &engine.APIError{Code: engine.JobPaused, Message: fmt.Sprintf("job %s is paused", id)}
		default:
			j.uploads++
			if e.opts.RejectUpload != nil {
				resp.Error = e.opts.RejectUpload(id, j.uploads)
			}
		}
		if resp.Error != nil {
			failed = true
		} else {
			j.details.Status = engine.JobStatusRunning
			j.details.Counts.Add(counts)
			now := time.Now().UTC()
			j.details.LastDataTime = &now
			resp.UploadSummary = counts
		}
		result.Responses = append(result.Responses, resp)
	}

	if failed {
		e.logger.Warnf("upload to %s rejected", c.Param("id"))
		// A single target gets a plain error document.
		if len(ids) == 1 {
			status := http.StatusBadRequest
			if result.Responses[0].Error.Code == engine.UnknownJobError {
				status = http.StatusNotFound
			}
			c.JSON(status, result.Responses[0].Error)
			return
		}
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

var errDropped = fmt.Errorf("connection dropped")

// readBody reads the whole upload, decoding gzip, or drops the connection
// after DropAfterBytes when configured.
func (e *Engine) readBody(c *gin.Context) ([]byte, error) {
	if n := e.opts.DropAfterBytes; n > 0 {
		_, _ = io.CopyN(io.Discard, c.Request.Body, n)
		conn, _, err := c.Writer.Hijack()
		if err != nil {
			return nil, err
		}
		conn.Close()
		e.logger.Infof("dropped upload connection after %d bytes", n)
		return nil, errDropped
	}

	var body io.Reader = c.Request.Body
	if strings.EqualFold(c.GetHeader("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(c.Request.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		body = zr
	}
	return io.ReadAll(body)
}

// countRecords treats the upload as newline delimited, comma separated records.
func countRecords(data []byte) engine.DataCounts {
	counts := engine.DataCounts{InputBytes: int64(len(data))}
	if len(data) == 0 {
		return counts
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		fields := int64(bytes.Count(line, []byte(",")) + 1)
		counts.InputRecordCount++
		counts.InputFieldCount += fields
		counts.ProcessedRecordCount++
		counts.ProcessedFieldCount += fields
	}
	return counts
}

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ochronus/engineapi/internal/services/retry"
)

const (
	// MaxChunkSize caps both the chunks of ChunkedUpload and the write buffer of
	// StreamingUpload.
	MaxChunkSize = 4 * 1024 * 1024
	// InitialBufferSize is the first write buffer of a streaming upload.
	InitialBufferSize = 4 * 1024
	// MinBufferGrowth is the smallest step by which the write buffer grows.
	MinBufferGrowth = 16 * 1024
)

// errResponseComplete closes the request body once the engine has answered.
var errResponseComplete = errors.New("engine response already received")

// UploadOptions tune a streaming upload.
type UploadOptions struct {
	// Compressed marks the source as already gzip compressed.
	Compressed bool
	// Gzip compresses the source on the fly.
	Gzip bool
	// ResetStart and ResetEnd ask the engine to discard results in this range
	// before processing the new data.
	ResetStart string
	ResetEnd   string
}

func (o UploadOptions) values() url.Values {
	var q query
	if o.ResetStart != "" {
		q.set("resetStart", o.ResetStart)
	}
	if o.ResetEnd != "" {
		q.set("resetEnd", o.ResetEnd)
	}
	return q.values()
}

// ResponseParser turns the final status and body of an upload into a result.
type ResponseParser[T any] func(status int, body []byte) (T, error)

// ChunkFailure records a chunk the engine rejected.
type ChunkFailure struct {
	Index int
	Err   *APIError
}

// ChunkedUploadResult describes a chunked upload. Last is the response to the
// final chunk only; Totals and Failures cover every chunk.
type ChunkedUploadResult struct {
	JobID    string
	Chunks   int
	Bytes    int64
	Last     *MultiDataPostResult
	Totals   DataCounts
	Failures []ChunkFailure
}

// Err returns the error of the last rejected chunk, or nil.
func (r *ChunkedUploadResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return r.Failures[len(r.Failures)-1].Err
}

// NextBufferSize picks the capacity of the next write buffer from the bytes the
// previous read returned and the previous capacity. A full buffer at the limit
// stays at the limit, a short read shrinks the buffer to the read size, a full
// buffer grows by the larger of MinBufferGrowth and 10%, capped at MaxChunkSize.
func NextBufferSize(prevRead, prevCap int) int {
	if prevCap <= 0 {
		return InitialBufferSize
	}
	switch {
	case prevRead >= MaxChunkSize:
		return MaxChunkSize
	case prevRead <= 0:
		if prevCap > MaxChunkSize {
			return MaxChunkSize
		}
		return prevCap
	case prevRead < prevCap:
		return prevRead
	}

	growth := prevCap / 10
	if growth < MinBufferGrowth {
		growth = MinBufferGrowth
	}
	if prevCap >= MaxChunkSize-growth {
		return MaxChunkSize
	}
	return prevCap + growth
}

// ChunkedUpload sends r to the job in MaxChunkSize pieces, one request per
// piece, waiting for each answer before reading on. A rejected chunk does not
// stop the upload. The returned error is set only when a chunk could not be
// delivered at all; the result then covers the chunks sent so far.
func (c *Client) ChunkedUpload(ctx context.Context, jobID string, r io.Reader) (*ChunkedUploadResult, error) {
	result := &ChunkedUploadResult{JobID: jobID}
	if jobID == "" {
		err := fmt.Errorf("job id is required")
		c.setLastError(err)
		return result, err
	}

	rc, err := c.transport()
	if err != nil {
		c.setLastError(err)
		return result, err
	}

	target := c.endpoint("/data/"+escapeID(jobID), nil)
	buf := make([]byte, MaxChunkSize)
	var lastFailure error

	for index := 0; ; index++ {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			status, body, err := c.sendChunk(ctx, rc.HTTPClient, target, buf[:n])
			if err != nil {
				c.setLastError(err)
				return result, err
			}

			result.Chunks++
			result.Bytes += int64(n)
			last, apiErr := parseUploadResponse([]string{jobID}, status, body, true)
			result.Last = last
			if apiErr != nil {
				c.logger.Warnf("chunk %d of %s rejected: %v", index+1, jobID, apiErr)
				result.Failures = append(result.Failures, ChunkFailure{Index: index, Err: apiErr})
				lastFailure = apiErr
			} else {
				c.logger.Debugf("chunk %d of %s accepted (%d bytes)", index+1, jobID, n)
			}
			for _, resp := range last.Responses {
				result.Totals.Add(resp.UploadSummary)
			}
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			err := &TransportError{Op: "read source", URL: target, Err: readErr}
			c.setLastError(err)
			return result, err
		}
	}

	c.setLastError(lastFailure)
	return result, nil
}

// sendChunk posts one chunk. Connection failures and 503 answers are retried;
// any other answer is returned as is.
func (c *Client) sendChunk(ctx context.Context, hc *http.Client, target string, chunk []byte) (int, []byte, error) {
	var (
		status int
		body   []byte
	)
	err := retry.Do(ctx, c.chunkRetry, func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(chunk))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.ContentLength = int64(len(chunk))

		resp, err := hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.Temporary(err, 0)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.Temporary(err, 0)
		}
		if resp.StatusCode == http.StatusServiceUnavailable {
			status, body = resp.StatusCode, data
			return retry.Temporary(parseAPIError(resp.StatusCode, data), retry.AfterHeader(resp.Header))
		}
		status, body = resp.StatusCode, data
		return nil
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			// Out of retries on 503: hand the last answer back as a rejection.
			return status, body, nil
		}
		return 0, nil, &TransportError{Op: "upload chunk", URL: target, Err: err}
	}
	return status, body, nil
}

// StreamingUpload sends r to one job in a single request whose body is fed as
// data becomes available. The source is closed when it implements io.Closer.
func (c *Client) StreamingUpload(ctx context.Context, jobID string, r io.Reader, opts UploadOptions) (*MultiDataPostResult, error) {
	return c.streamingUpload(ctx, []string{jobID}, r, opts, false)
}

// StreamingUploadMulti fans the same data out to several jobs. Per-job
// rejections are reported inside the result.
func (c *Client) StreamingUploadMulti(ctx context.Context, jobIDs []string, r io.Reader, opts UploadOptions) (*MultiDataPostResult, error) {
	return c.streamingUpload(ctx, jobIDs, r, opts, true)
}

func (c *Client) streamingUpload(ctx context.Context, jobIDs []string, r io.Reader, opts UploadOptions, errorsInResult bool) (*MultiDataPostResult, error) {
	if err := validateUpload(jobIDs, opts); err != nil {
		c.setLastError(err)
		return &MultiDataPostResult{}, err
	}

	escaped := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		escaped[i] = escapeID(id)
	}
	target := c.endpoint("/data/"+strings.Join(escaped, ","), opts.values())

	parse := func(status int, body []byte) (*MultiDataPostResult, error) {
		result, apiErr := parseUploadResponse(jobIDs, status, body, errorsInResult)
		if apiErr != nil {
			return result, apiErr
		}
		return result, nil
	}

	result, err := streamUpload(ctx, c, target, r, opts, parse, &MultiDataPostResult{})
	c.setLastError(err)
	return result, err
}

func validateUpload(jobIDs []string, opts UploadOptions) error {
	if len(jobIDs) == 0 {
		return fmt.Errorf("at least one job id is required")
	}
	for _, id := range jobIDs {
		if id == "" {
			return fmt.Errorf("job ids must not be empty")
		}
	}
	if opts.Compressed && opts.Gzip {
		return fmt.Errorf("compressed and gzip are mutually exclusive")
	}
	return nil
}

// streamOutcome is the terminal message of a streaming request.
type streamOutcome struct {
	status int
	body   []byte
	err    error
}

// streamUpload runs one request whose body is an io.Pipe. The request runs in
// its own goroutine and reports exactly once on done; the producer loop checks
// done between writes and stops early once the answer is in or the pipe is
// closed. fallback is returned when ctx ends before the answer arrives.
func streamUpload[T any](ctx context.Context, c *Client, target string, src io.Reader, opts UploadOptions, parse ResponseParser[T], fallback T) (T, error) {
	defer closeSource(src)

	rc, err := c.transport()
	if err != nil {
		return fallback, err
	}

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		return fallback, &TransportError{Op: "upload", URL: target, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if opts.Compressed || opts.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	done := make(chan streamOutcome, 1)
	go func() {
		var out streamOutcome
		resp, err := rc.HTTPClient.Do(req)
		if err != nil {
			out.err = err
		} else {
			out.status = resp.StatusCode
			out.body, out.err = io.ReadAll(resp.Body)
			resp.Body.Close()
		}
		pr.CloseWithError(errResponseComplete)
		done <- out
	}()

	var sink io.Writer = pw
	var gz *gzip.Writer
	if opts.Gzip {
		gz = gzip.NewWriter(pw)
		sink = gz
	}

	var (
		outcome *streamOutcome
		sent    int64
		srcErr  error
	)
	buf := make([]byte, InitialBufferSize)

produce:
	for {
		select {
		case out := <-done:
			outcome = &out
			c.logger.Debugf("upload to %s answered after %d bytes, stopping", target, sent)
			break produce
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := sink.Write(buf[:n]); err != nil {
				c.logger.Debugf("upload body to %s closed after %d bytes: %v", target, sent, err)
				break produce
			}
			sent += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			srcErr = readErr
			break
		}

		if next := NextBufferSize(n, len(buf)); next != len(buf) {
			c.logger.Tracef("upload buffer %d -> %d bytes", len(buf), next)
			buf = make([]byte, next)
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			c.logger.Debugf("finishing gzip stream to %s: %v", target, err)
		}
	}
	if srcErr != nil {
		pw.CloseWithError(srcErr)
	} else {
		pw.Close()
	}

	if outcome == nil {
		select {
		case out := <-done:
			outcome = &out
		case <-ctx.Done():
			c.logger.Warnf("upload to %s abandoned after %d bytes: %v", target, sent, ctx.Err())
			return fallback, &TransportError{Op: "upload", URL: target, Err: ctx.Err()}
		}
	}

	if srcErr != nil {
		return fallback, &TransportError{Op: "read source", URL: target, Err: srcErr}
	}
	if outcome.err != nil {
		return fallback, &TransportError{Op: "upload", URL: target, Err: outcome.err}
	}
	c.logger.Debugf("upload to %s finished with %d after %d bytes", target, outcome.status, sent)
	return parse(outcome.status, outcome.body)
}

func closeSource(src io.Reader) {
	if closer, ok := src.(io.Closer); ok {
		_ = closer.Close()
	}
}

// parseUploadResponse interprets the answer to an upload. A failure body is
// decoded as a MultiDataPostResult when errorsInResult is set and the body has
// per-job entries, otherwise as a single APIError attached to every job.
func parseUploadResponse(jobIDs []string, status int, body []byte, errorsInResult bool) (*MultiDataPostResult, *APIError) {
	result := &MultiDataPostResult{}

	if status == http.StatusAccepted || status == http.StatusOK {
		if len(bytes.TrimSpace(body)) == 0 {
			return result, nil
		}
		if err := decode(body, result); err != nil {
			apiErr := unknownError(status, fmt.Sprintf(": unreadable upload summary: %v", err))
			return errorResult(jobIDs, apiErr), apiErr
		}
		return result, nil
	}

	if errorsInResult && len(bytes.TrimSpace(body)) > 0 {
		if err := decode(body, result); err == nil && len(result.Responses) > 0 {
			if apiErr := result.FirstError(); apiErr != nil {
				for i := range result.Responses {
					if result.Responses[i].Error != nil {
						result.Responses[i].Error.StatusCode = status
					}
				}
				return result, apiErr
			}
			apiErr := unknownError(status, " without a per-job error")
			return result, apiErr
		}
	}

	apiErr := parseAPIError(status, body)
	return errorResult(jobIDs, apiErr), apiErr
}

func errorResult(jobIDs []string, apiErr *APIError) *MultiDataPostResult {
	result := &MultiDataPostResult{Responses: make([]DataPostResponse, 0, len(jobIDs))}
	for _, id := range jobIDs {
		result.Responses = append(result.Responses, DataPostResponse{JobID: id, Error: apiErr})
	}
	return result
}

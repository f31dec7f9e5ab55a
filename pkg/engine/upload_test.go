package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// endlessSource yields CSV records forever and records when it was closed.
type endlessSource struct {
	read   atomic.Int64
	closed atomic.Bool
}

func (s *endlessSource) Read(p []byte) (int, error) {
	const line = "1403481600,AAL,132.2\n"
	for i := range p {
		p[i] = line[i%len(line)]
	}
	s.read.Add(int64(len(p)))
	return len(p), nil
}

func (s *endlessSource) Close() error {
	s.closed.Store(true)
	return nil
}

// closingReader tracks whether the uploader closed a finite source.
type closingReader struct {
	io.Reader
	closed atomic.Bool
}

func (r *closingReader) Close() error {
	r.closed.Store(true)
	return nil
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func fakeClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	client := NewClient("http://engine.test/engine/v2",
		WithHTTPClient(&http.Client{Transport: rt}),
		WithMaxRetries(0),
	)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func jsonResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

func summary(jobID string, n int) string {
	return fmt.Sprintf(`{"responses":[{"jobId":%q,"uploadSummary":{"inputBytes":%d,"processedRecordCount":1}}]}`, jobID, n)
}

// waitFor fails the test when fn does not return within d.
func waitFor(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("upload did not return within %s", d)
	}
}

func TestNextBufferSize(t *testing.T) {
	tests := []struct {
		name     string
		prevRead int
		prevCap  int
		want     int
	}{
		{"first buffer", 0, 0, InitialBufferSize},
		{"negative capacity", 10, -1, InitialBufferSize},
		{"full buffer grows by the minimum step", InitialBufferSize, InitialBufferSize, InitialBufferSize + MinBufferGrowth},
		{"large buffer grows by a tenth", 1 << 21, 1 << 21, 1<<21 + (1<<21)/10},
		{"short read shrinks", 1000, 64 * 1024, 1000},
		{"empty read keeps size", 0, 64 * 1024, 64 * 1024},
		{"growth is capped", MaxChunkSize - 1, MaxChunkSize - 1, MaxChunkSize},
		{"full limit stays at limit", MaxChunkSize, MaxChunkSize, MaxChunkSize},
		{"oversized capacity is capped", 0, 2 * MaxChunkSize, MaxChunkSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextBufferSize(tt.prevRead, tt.prevCap))
		})
	}
}

func TestNextBufferSizeStaysInBounds(t *testing.T) {
	size := NextBufferSize(0, 0)
	for i := 0; i < 200; i++ {
		next := NextBufferSize(size, size)
		require.GreaterOrEqual(t, next, size, "a full buffer never shrinks")
		require.LessOrEqual(t, next, MaxChunkSize)
		size = next
	}
	assert.Equal(t, MaxChunkSize, size, "repeated full reads reach the limit")

	for _, read := range []int{1, 17, 4096, MaxChunkSize - 1} {
		assert.Equal(t, read, NextBufferSize(read, MaxChunkSize))
	}
}

func TestChunkedUploadRejectedChunk(t *testing.T) {
	source := bytes.Repeat([]byte("1403481600,AAL,132.2\n"), (3*MaxChunkSize+512)/21)
	var (
		mu       sync.Mutex
		received bytes.Buffer
		sizes    []int
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/farequote", r.URL.Path)
		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		mu.Lock()
		received.Write(data)
		sizes = append(sizes, len(data))
		chunk := len(sizes)
		mu.Unlock()

		if chunk == 3 {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"responses":[{"jobId":"farequote","error":{"errorCode":40101,"message":"out of order"}}]}`)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, summary("farequote", len(data)))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithMaxRetries(0))
	defer client.Close()

	result, err := client.ChunkedUpload(context.Background(), "farequote", bytes.NewReader(source))
	require.NoError(t, err)

	assert.Equal(t, 4, result.Chunks)
	assert.Equal(t, int64(len(source)), result.Bytes)
	assert.Equal(t, []int{MaxChunkSize, MaxChunkSize, MaxChunkSize, len(source) - 3*MaxChunkSize}, sizes)
	assert.True(t, bytes.Equal(source, received.Bytes()), "chunks reassemble to the source")

	require.Len(t, result.Failures, 1)
	assert.Equal(t, 2, result.Failures[0].Index)
	assert.Equal(t, UploadTimeOrderError, result.Failures[0].Err.Code)
	assert.Equal(t, http.StatusBadRequest, result.Failures[0].Err.StatusCode)

	// Last is the answer to the final chunk, which was accepted.
	require.NotNil(t, result.Last)
	assert.False(t, result.Last.AnErrorOccurred())
	resp, ok := result.Last.Response("farequote")
	require.True(t, ok)
	assert.Equal(t, int64(len(source)-3*MaxChunkSize), resp.UploadSummary.InputBytes)

	assert.Equal(t, int64(3), result.Totals.ProcessedRecordCount)
	assert.Equal(t, int64(2*MaxChunkSize+len(source)-3*MaxChunkSize), result.Totals.InputBytes)

	var apiErr *APIError
	require.ErrorAs(t, result.Err(), &apiErr)
	assert.Equal(t, result.Err(), client.LastError())
}

func TestChunkedUploadIsRepeatable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		records := bytes.Count(data, []byte("\n"))
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, `{"responses":[{"jobId":"farequote","uploadSummary":{"processedRecordCount":%d,"inputBytes":%d}}]}`, records, len(data))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	defer client.Close()

	source := bytes.Repeat([]byte("1403481600,AAL,132.2\n"), 300000)
	first, err := client.ChunkedUpload(context.Background(), "farequote", bytes.NewReader(source))
	require.NoError(t, err)
	second, err := client.ChunkedUpload(context.Background(), "farequote", bytes.NewReader(source))
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, first.Chunks)
	assert.Equal(t, first.Chunks, second.Chunks)
	assert.Equal(t, first.Totals, second.Totals)
	assert.Equal(t, first.Last, second.Last)
	assert.Equal(t, int64(len(source)), first.Totals.InputBytes)
	assert.Empty(t, first.Failures)
	assert.Empty(t, second.Failures)
}

func TestChunkedUploadRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, summary("farequote", len(data)))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithMaxRetries(1), WithChunkBackoff(time.Millisecond))
	defer client.Close()

	result, err := client.ChunkedUpload(context.Background(), "farequote", strings.NewReader("a,b\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Chunks)
	assert.Empty(t, result.Failures)
	assert.Equal(t, int32(2), calls.Load())
	assert.NoError(t, client.LastError())
}

func TestChunkedUploadEmptySource(t *testing.T) {
	client := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		t.Error("no request expected for an empty source")
		return jsonResponse(req, http.StatusAccepted, ""), nil
	})

	result, err := client.ChunkedUpload(context.Background(), "farequote", strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, result.Chunks)
	assert.Nil(t, result.Last)
	assert.NoError(t, result.Err())
}

func TestChunkedUploadRequiresJobID(t *testing.T) {
	client := NewClient("http://engine.test")
	_, err := client.ChunkedUpload(context.Background(), "", strings.NewReader("x"))
	assert.Error(t, err)
	assert.Equal(t, err, client.LastError())
}

func TestChunkedUploadUnreachable(t *testing.T) {
	client := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	_, err := client.ChunkedUpload(context.Background(), "farequote", strings.NewReader("a,b\n"))
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "upload chunk", transportErr.Op)
}

func TestStreamingUpload(t *testing.T) {
	source := bytes.Repeat([]byte("1403481600,AAL,132.2\n"), 50000)
	var received []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/engine/v2/data/farequote", r.URL.Path)
		assert.Equal(t, "2014-06-23T00:00:00Z", r.URL.Query().Get("resetStart"))
		assert.Empty(t, r.Header.Get("Content-Encoding"))
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, summary("farequote", len(received)))
	}))
	defer srv.Close()

	client := NewClient(srv.URL + "/engine/v2")
	defer client.Close()

	src := &closingReader{Reader: bytes.NewReader(source)}
	result, err := client.StreamingUpload(context.Background(), "farequote", src, UploadOptions{ResetStart: "2014-06-23T00:00:00Z"})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(source, received))
	assert.True(t, src.closed.Load(), "source is closed after the upload")

	resp, ok := result.Response("farequote")
	require.True(t, ok)
	assert.Equal(t, int64(len(source)), resp.UploadSummary.InputBytes)
	assert.NoError(t, client.LastError())
}

func TestStreamingUploadGzip(t *testing.T) {
	source := bytes.Repeat([]byte("1403481600,JZA,990.4\n"), 20000)
	var received []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received, _ = io.ReadAll(zr)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	defer client.Close()

	result, err := client.StreamingUpload(context.Background(), "farequote", bytes.NewReader(source), UploadOptions{Gzip: true})
	require.NoError(t, err)
	assert.False(t, result.AnErrorOccurred())
	assert.True(t, bytes.Equal(source, received))
}

func TestStreamingUploadPreCompressed(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, _ = zw.Write([]byte("a,b\nc,d\n"))
	require.NoError(t, zw.Close())

	client := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "gzip", req.Header.Get("Content-Encoding"))
		body, _ := io.ReadAll(req.Body)
		assert.Equal(t, compressed.Bytes(), body, "pre-compressed data is sent as is")
		return jsonResponse(req, http.StatusAccepted, summary("farequote", len(body))), nil
	})

	_, err := client.StreamingUpload(context.Background(), "farequote", bytes.NewReader(compressed.Bytes()), UploadOptions{Compressed: true})
	require.NoError(t, err)
}

func TestStreamingUploadValidation(t *testing.T) {
	client := NewClient("http://engine.test")

	src := &closingReader{Reader: strings.NewReader("x")}
	_, err := client.StreamingUpload(context.Background(), "farequote", src, UploadOptions{Compressed: true, Gzip: true})
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = client.StreamingUploadMulti(context.Background(), nil, src, UploadOptions{})
	assert.Error(t, err)

	_, err = client.StreamingUploadMulti(context.Background(), []string{"a", ""}, src, UploadOptions{})
	assert.Error(t, err)
	assert.Equal(t, err, client.LastError())
}

func TestStreamingUploadMultiPerJobErrors(t *testing.T) {
	client := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "/engine/v2/data/farequote,web-logs", req.URL.Path)
		_, _ = io.Copy(io.Discard, req.Body)
		return jsonResponse(req, http.StatusBadRequest, `{"responses":[
			{"jobId":"farequote","uploadSummary":{"processedRecordCount":2}},
			{"jobId":"web-logs","error":{"errorCode":20202,"message":"job is paused"}}
		]}`), nil
	})

	result, err := client.StreamingUploadMulti(context.Background(), []string{"farequote", "web-logs"}, strings.NewReader("a,b\nc,d\n"), UploadOptions{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, JobPaused, apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	require.Len(t, result.Responses, 2)
	ok, _ := result.Response("farequote")
	assert.Nil(t, ok.Error)
	assert.Equal(t, int64(2), ok.UploadSummary.ProcessedRecordCount)
	failed, _ := result.Response("web-logs")
	assert.Same(t, apiErr, failed.Error)
}

func TestStreamingUploadSingleJobError(t *testing.T) {
	client := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		_, _ = io.Copy(io.Discard, req.Body)
		return jsonResponse(req, http.StatusNotFound, `{"errorCode":20101,"message":"No known job with id 'nope'"}`), nil
	})

	result, err := client.StreamingUpload(context.Background(), "nope", strings.NewReader("a\n"), UploadOptions{})
	assert.True(t, IsNotFound(err))
	resp, ok := result.Response("nope")
	require.True(t, ok)
	assert.Equal(t, err, resp.Error)
}

func TestStreamingUploadEarlyRejection(t *testing.T) {
	client := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		// Answer without consuming the body, as an engine refusing the job would.
		req.Body.Close()
		return jsonResponse(req, http.StatusBadRequest, `{"errorCode":30101,"message":"too many jobs running"}`), nil
	})

	src := &endlessSource{}
	var err error
	waitFor(t, 5*time.Second, func() {
		_, err = client.StreamingUpload(context.Background(), "farequote", src, UploadOptions{})
	})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, TooManyJobsRunning, apiErr.Code)
	assert.True(t, src.closed.Load())
	assert.Equal(t, err, client.LastError())
}

func TestStreamingUploadConnectionDropped(t *testing.T) {
	client := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		_, _ = io.CopyN(io.Discard, req.Body, 1024)
		req.Body.Close()
		return nil, errors.New("connection reset by peer")
	})

	src := &endlessSource{}
	var err error
	waitFor(t, 5*time.Second, func() {
		_, err = client.StreamingUpload(context.Background(), "farequote", src, UploadOptions{Gzip: true})
	})

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, src.closed.Load())
}

func TestStreamingUploadServerHangsUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.CopyN(io.Discard, r.Body, 1024)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	defer client.Close()

	src := &closingReader{Reader: bytes.NewReader(make([]byte, 10*1024*1024))}
	var err error
	waitFor(t, 10*time.Second, func() {
		_, err = client.StreamingUpload(context.Background(), "farequote", src, UploadOptions{})
	})

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, src.closed.Load())
}

func TestStreamingUploadSourceError(t *testing.T) {
	client := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		_, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		return jsonResponse(req, http.StatusAccepted, ""), nil
	})

	src := io.MultiReader(strings.NewReader("a,b\n"), iotestErrReader{errors.New("disk failure")})
	_, err := client.StreamingUpload(context.Background(), "farequote", src, UploadOptions{})
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Contains(t, err.Error(), "disk failure")
}

type iotestErrReader struct{ err error }

func (r iotestErrReader) Read([]byte) (int, error) { return 0, r.err }

func TestStreamUploadCancelledReturnsFallback(t *testing.T) {
	client := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		_, _ = io.Copy(io.Discard, req.Body)
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	parse := func(status int, body []byte) (string, error) {
		return "parsed", nil
	}
	var (
		got string
		err error
	)
	waitFor(t, 5*time.Second, func() {
		got, err = streamUpload(ctx, client, client.endpoint("/data/farequote", nil), strings.NewReader("a,b\n"), UploadOptions{}, parse, "fallback")
	})

	assert.Equal(t, "fallback", got)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamUploadCustomParser(t *testing.T) {
	client := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)
		return jsonResponse(req, http.StatusAccepted, fmt.Sprintf("%d", len(body))), nil
	})

	parse := func(status int, body []byte) (string, error) {
		return fmt.Sprintf("%d:%s", status, body), nil
	}
	got, err := streamUpload(context.Background(), client, client.endpoint("/data/farequote", nil), strings.NewReader("hello"), UploadOptions{}, parse, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "202:5", got)
}

func TestParseUploadResponse(t *testing.T) {
	result, apiErr := parseUploadResponse([]string{"a"}, http.StatusAccepted, nil, false)
	assert.Nil(t, apiErr)
	assert.Empty(t, result.Responses)

	result, apiErr = parseUploadResponse([]string{"a", "b"}, http.StatusAccepted, []byte("not json"), true)
	require.NotNil(t, apiErr)
	assert.Equal(t, UnknownError, apiErr.Code)
	assert.Len(t, result.Responses, 2)

	result, apiErr = parseUploadResponse([]string{"a"}, http.StatusBadRequest, []byte(`{"responses":[{"jobId":"a"}]}`), true)
	require.NotNil(t, apiErr)
	assert.Equal(t, UnknownError, apiErr.Code, "a failure status without per-job errors is still an error")
	assert.Len(t, result.Responses, 1)

	result, apiErr = parseUploadResponse([]string{"a"}, http.StatusInternalServerError, []byte(`{"errorCode":30002,"message":"pipe broken"}`), true)
	require.NotNil(t, apiErr)
	assert.Equal(t, NativeProcessWriteError, apiErr.Code)
	assert.Same(t, apiErr, result.Responses[0].Error)
}

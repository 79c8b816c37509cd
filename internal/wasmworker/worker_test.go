package wasmworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
}

func (f *fakeTransport) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (f *fakeTransport) Subscribe(context.Context, string, func([]byte)) (func() error, error) {
	return func() error { return nil }, nil
}

func (f *fakeTransport) lastResult(t *testing.T) ExecResultPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.published)
	var result ExecResultPayload
	require.NoError(t, json.Unmarshal(f.published[len(f.published)-1].data, &result))
	return result
}

type fakeFetcher struct {
	modules map[string][]byte
	err     error
}

func (f *fakeFetcher) FetchModule(_ context.Context, bucket, objectKey, extension string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	key := fmt.Sprintf("%s/%s.%s", bucket, objectKey, extension)
	data, ok := f.modules[key]
	if !ok {
		return nil, fmt.Errorf("fakeFetcher: no module at %s", key)
	}
	return data, nil
}

type fakeUploader struct {
	mu    sync.Mutex
	blobs map[string][]byte
	err   error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{blobs: make(map[string][]byte)}
}

func (f *fakeUploader) UploadResult(_ context.Context, key string, data []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = data
	return "results-bucket/" + key, nil
}

func TestHandleRejectsMalformedModulePath(t *testing.T) {
	transport := &fakeTransport{}
	w := NewWorker(transport, &fakeFetcher{}, newFakeUploader(), nil, 1_000_000)

	payload, err := json.Marshal(ExecPayload{
		PipelineExecsID:    "run1",
		PipelineNodeExecID: "node1",
		ModulePath:         "no-at-sign-here",
		ContainerType:      "wasm",
	})
	require.NoError(t, err)

	w.handle(context.Background(), payload)

	result := transport.lastResult(t)
	assert.Equal(t, "node1", result.PipelineNodeExecID)
	assert.True(t, result.Outcome.isFailure())
	assert.Contains(t, result.Outcome.Failure, "bucket@key")
}

func TestHandleReportsFetchFailure(t *testing.T) {
	transport := &fakeTransport{}
	fetcher := &fakeFetcher{err: fmt.Errorf("object not found")}
	w := NewWorker(transport, fetcher, newFakeUploader(), nil, 1_000_000)

	payload, err := json.Marshal(ExecPayload{
		PipelineExecsID:    "run1",
		PipelineNodeExecID: "node1",
		ModulePath:         "modules@my-component",
		ContainerType:      "wasm",
	})
	require.NoError(t, err)

	w.handle(context.Background(), payload)

	result := transport.lastResult(t)
	assert.True(t, result.Outcome.isFailure())
	assert.Contains(t, result.Outcome.Failure, "Failed to download module")
}

func TestSpillIfOversizedLeavesSmallResultsUntouched(t *testing.T) {
	w := NewWorker(&fakeTransport{}, &fakeFetcher{}, newFakeUploader(), nil, 1_000_000)

	result := ExecResultPayload{
		PipelineExecID:     "run1",
		PipelineNodeExecID: "node1",
		Outcome:            successOutcome(json.RawMessage(`{"ok":true}`)),
	}
	got := w.spillIfOversized(context.Background(), "node1", result)
	assert.Equal(t, result, got)
}

func TestSpillIfOversizedUploadsSuccessValueAndReturnsReference(t *testing.T) {
	uploader := newFakeUploader()
	w := NewWorker(&fakeTransport{}, &fakeFetcher{}, uploader, nil, 16)

	big := make([]byte, 64)
	for i := range big {
		big[i] = 'a'
	}
	payload, err := json.Marshal(map[string]string{"blob": string(big)})
	require.NoError(t, err)

	result := ExecResultPayload{
		PipelineExecID:     "run1",
		PipelineNodeExecID: "node1",
		Outcome:            successOutcome(payload),
	}
	got := w.spillIfOversized(context.Background(), "node1", result)

	require.False(t, got.Outcome.isFailure())
	var ref map[string]any
	require.NoError(t, json.Unmarshal(got.Outcome.Success, &ref))
	assert.Equal(t, "results-bucket/result_node1.json", ref["s3_reference"])
	assert.Equal(t, float64(len(payload)), ref["original_size"])

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	assert.Equal(t, payload, []byte(uploader.blobs["result_node1.json"]))
}

func TestSpillIfOversizedUploadsFailureTextAndReturnsShortReference(t *testing.T) {
	uploader := newFakeUploader()
	w := NewWorker(&fakeTransport{}, &fakeFetcher{}, uploader, nil, 16)

	result := ExecResultPayload{
		PipelineExecID:     "run1",
		PipelineNodeExecID: "node1",
		Outcome:            failureOutcome("this failure message is deliberately long enough to exceed the limit"),
	}
	got := w.spillIfOversized(context.Background(), "node1", result)

	require.True(t, got.Outcome.isFailure())
	assert.Contains(t, got.Outcome.Failure, "results-bucket/result_node1.json")
}

func TestSpillIfOversizedReportsUploadFailure(t *testing.T) {
	uploader := newFakeUploader()
	uploader.err = fmt.Errorf("bucket unreachable")
	w := NewWorker(&fakeTransport{}, &fakeFetcher{}, uploader, nil, 16)

	result := ExecResultPayload{
		PipelineExecID:     "run1",
		PipelineNodeExecID: "node1",
		Outcome:            successOutcome(json.RawMessage(`{"blob":"0123456789012345678901234567890"}`)),
	}
	got := w.spillIfOversized(context.Background(), "node1", result)

	require.True(t, got.Outcome.isFailure())
	assert.Contains(t, got.Outcome.Failure, "bucket unreachable")
}

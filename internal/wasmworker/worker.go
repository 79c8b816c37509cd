package wasmworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shallabuf/collabd/internal/bus"
	"github.com/shallabuf/collabd/internal/logger"
)

const (
	execSubject   = "pipeline.node.exec"
	resultSubject = "pipeline.node.result"
)

// ModuleFetcher is the narrow capability the worker needs to download a
// component's module bytes, so tests can substitute an in-memory fake for
// the object storage client.
type ModuleFetcher interface {
	FetchModule(ctx context.Context, bucket, objectKey, extension string) ([]byte, error)
}

// Worker runs the pull loop described in SPEC_FULL.md §4.10: subscribe to
// execSubject, fetch+run a component per request, publish the outcome on
// resultSubject.
type Worker struct {
	transport      bus.Transport
	fetcher        ModuleFetcher
	uploader       ResultUploader
	engine         *Engine
	maxMessageSize int
}

func NewWorker(transport bus.Transport, fetcher ModuleFetcher, uploader ResultUploader, engine *Engine, maxMessageSize int) *Worker {
	return &Worker{transport: transport, fetcher: fetcher, uploader: uploader, engine: engine, maxMessageSize: maxMessageSize}
}

// Run subscribes and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	unsubscribe, err := w.transport.Subscribe(ctx, execSubject, func(data []byte) {
		w.handle(ctx, data)
	})
	if err != nil {
		return fmt.Errorf("wasmworker: subscribe: %w", err)
	}
	<-ctx.Done()
	return unsubscribe()
}

func (w *Worker) handle(ctx context.Context, data []byte) {
	log := logger.Worker()

	var payload ExecPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Error().Err(err).Msg("failed to deserialize exec payload")
		return
	}

	parts := strings.SplitN(payload.ModulePath, "@", 2)
	if len(parts) != 2 {
		w.publish(ctx, payload, failureOutcome(fmt.Sprintf("invalid module path %q: expected bucket@key", payload.ModulePath)))
		return
	}
	bucket, objectKey := parts[0], parts[1]

	moduleBytes, err := w.fetcher.FetchModule(ctx, bucket, objectKey, payload.ContainerType)
	if err != nil {
		log.Error().Err(err).Msg("failed to download module from object storage")
		w.publish(ctx, payload, failureOutcome(fmt.Sprintf("Failed to download module from storage: %v", err)))
		return
	}

	output, err := w.engine.Execute(ctx, moduleBytes, payload.PipelineNodeExecID, string(payload.Params))
	if err != nil {
		log.Error().Err(err).Str("pipeline_node_exec_id", payload.PipelineNodeExecID).Msg("component execution failed")
		if errors.Is(err, ErrExecutionTimedOut) {
			w.publish(ctx, payload, failureOutcome("execution timed out"))
			return
		}
		w.publish(ctx, payload, failureOutcome(fmt.Sprintf("Failed to execute run function: %v", err)))
		return
	}

	log.Debug().Str("pipeline_node_exec_id", payload.PipelineNodeExecID).Msg("component execution completed")

	var value json.RawMessage
	if err := json.Unmarshal([]byte(output), &value); err != nil {
		w.publish(ctx, payload, failureOutcome(fmt.Sprintf("Failed to deserialize result: %v", err)))
		return
	}
	w.publish(ctx, payload, successOutcome(value))
}

func (w *Worker) publish(ctx context.Context, payload ExecPayload, outcome ExecutionOutcome) {
	log := logger.Worker()

	result := ExecResultPayload{
		PipelineExecID:     payload.PipelineExecsID,
		PipelineNodeExecID: payload.PipelineNodeExecID,
		Outcome:            outcome,
	}
	result = w.spillIfOversized(ctx, payload.PipelineNodeExecID, result)

	data, err := json.Marshal(result)
	if err != nil {
		log.Error().Err(err).Msg("failed to serialize exec result payload")
		return
	}
	if err := w.transport.Publish(ctx, resultSubject, data); err != nil {
		log.Error().Err(err).Msg("failed to publish exec result")
	}
}

// spillIfOversized implements SPEC_FULL.md §4.10 step 5: if the fully
// serialized result exceeds maxMessageSize, move the inner data to the
// results bucket and replace the outcome with a reference.
func (w *Worker) spillIfOversized(ctx context.Context, pipelineNodeExecID string, result ExecResultPayload) ExecResultPayload {
	log := logger.Worker()

	data, err := json.Marshal(result)
	if err != nil || len(data) <= w.maxMessageSize {
		return result
	}

	var innerData []byte
	contentType := "application/json"
	if result.Outcome.isFailure() {
		innerData = []byte(result.Outcome.Failure)
		contentType = "text/plain"
	} else {
		innerData = result.Outcome.Success
	}

	key := fmt.Sprintf("result_%s.json", pipelineNodeExecID)
	ref, err := w.uploader.UploadResult(ctx, key, innerData, contentType)
	if err != nil {
		log.Error().Err(err).Str("pipeline_node_exec_id", pipelineNodeExecID).Msg("failed to spill oversized result to object storage")
		result.Outcome = failureOutcome(fmt.Sprintf("Result was too large and failed to store in object storage: %v", err))
		return result
	}

	if result.Outcome.isFailure() {
		result.Outcome = failureOutcome(fmt.Sprintf("Error stored in object storage: %s", ref))
		return result
	}

	spillValue, _ := json.Marshal(map[string]any{
		"s3_reference":  ref,
		"original_size": len(innerData),
		"content_type":  contentType,
	})
	result.Outcome = successOutcome(spillValue)
	return result
}

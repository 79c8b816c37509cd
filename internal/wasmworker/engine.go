// Package wasmworker runs sandboxed WebAssembly pipeline-node components:
// fetch the module from object storage, instantiate it with host-exposed
// request()/upload_file() imports, invoke its run(input) entry, and publish
// the outcome — spilling to object storage when the serialized result
// exceeds the bus's message-size limit.
//
// The source system describes this sandbox in terms of the WASM Component
// Model (wasmtime's `bindgen!` against a WIT interface). wazero, this
// project's runtime, does not implement the component model the way
// wasmtime does; the host/guest contract here is instead a plain core-module
// ABI (exported memory + alloc + run, packed pointer/length host imports)
// carrying the same three operations (request, upload_file, run) the WIT
// world declared. See DESIGN.md.
package wasmworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/shallabuf/collabd/internal/logger"
)

// ErrExecutionTimedOut is returned by Execute when the guest's run() entry
// does not return within the configured wall-clock timeout.
var ErrExecutionTimedOut = errors.New("execution timed out")

// ResultUploader is the narrow capability the upload_file host import needs.
type ResultUploader interface {
	UploadResult(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Engine builds a fresh runtime, linker and module instance per Execute
// call, so no state leaks between pipeline node executions beyond the
// shared HTTP client and object storage client passed in at construction.
type Engine struct {
	http       *HTTPBridge
	uploader   ResultUploader
	runTimeout time.Duration
}

func NewEngine(httpBridge *HTTPBridge, uploader ResultUploader, runTimeout time.Duration) *Engine {
	return &Engine{http: httpBridge, uploader: uploader, runTimeout: runTimeout}
}

type httpRequestMsg struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

type httpResponseMsg struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body"`
}

type uploadRequestMsg struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

// Execute instantiates moduleBytes in a fresh sandbox and calls its
// run(input) entry, returning the raw text the guest returned.
func (e *Engine) Execute(ctx context.Context, moduleBytes []byte, pipelineNodeExecID, input string) (string, error) {
	log := logger.Worker()

	ctx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()

	runtimeConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return "", fmt.Errorf("wasmworker: instantiate wasi: %w", err)
	}

	hostBuilder := runtime.NewHostModuleBuilder("shallabuf")
	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) uint64 {
			return e.hostRequest(ctx, mod, reqPtr, reqLen, log)
		}).
		Export("request")
	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) uint64 {
			return e.hostUploadFile(ctx, mod, reqPtr, reqLen, pipelineNodeExecID, log)
		}).
		Export("upload_file")
	if _, err := hostBuilder.Instantiate(ctx); err != nil {
		return "", fmt.Errorf("wasmworker: register host imports: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, moduleBytes)
	if err != nil {
		return "", fmt.Errorf("wasmworker: compile module: %w", err)
	}

	modConfig := wazero.NewModuleConfig().WithStdout(nil).WithStderr(nil)
	mod, err := runtime.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return "", fmt.Errorf("wasmworker: instantiate module: %w", err)
	}
	defer mod.Close(ctx)

	run := mod.ExportedFunction("run")
	if run == nil {
		return "", fmt.Errorf("wasmworker: component does not export run")
	}

	inputPtr, err := writeToGuest(ctx, mod, []byte(input))
	if err != nil {
		return "", err
	}

	results, err := run.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", ErrExecutionTimedOut
		}
		return "", fmt.Errorf("wasmworker: call run: %w", err)
	}
	outPtr, outLen := unpack(results[0])

	output, err := readFromGuest(mod, outPtr, outLen)
	if err != nil {
		return "", fmt.Errorf("wasmworker: read run result: %w", err)
	}
	return string(output), nil
}

// hostRequest implements the guest-visible request() import: decode the
// guest's JSON-encoded httpRequestMsg, perform the call via the shared
// HTTPBridge, and write back a JSON-encoded httpResponseMsg (or an error
// string on failure, distinguished by a leading marker byte so the guest SDK
// can tell a response from a transport failure).
func (e *Engine) hostRequest(ctx context.Context, mod api.Module, reqPtr, reqLen uint32, log *zerolog.Logger) uint64 {
	reqBytes, err := readFromGuest(mod, reqPtr, reqLen)
	if err != nil {
		log.Error().Err(err).Msg("wasmworker: failed to read request() args from guest memory")
		return e.writeHostError(ctx, mod, err)
	}

	var req httpRequestMsg
	if err := json.Unmarshal(reqBytes, &req); err != nil {
		return e.writeHostError(ctx, mod, fmt.Errorf("invalid request() payload: %w", err))
	}

	status, headers, body, err := e.http.Do(ctx, req.Method, req.URL, req.Headers, req.Body)
	if err != nil {
		log.Debug().Err(err).Str("url", req.URL).Msg("wasmworker: guest http request failed")
		return e.writeHostError(ctx, mod, err)
	}

	respBytes, err := json.Marshal(httpResponseMsg{Status: status, Headers: headers, Body: body})
	if err != nil {
		return e.writeHostError(ctx, mod, fmt.Errorf("failed to encode response: %w", err))
	}
	return e.writeHostOK(ctx, mod, respBytes)
}

// hostUploadFile implements the guest-visible upload_file() import: decode
// {filename, data}, write it under {pipeline_node_exec_id}/{filename} in the
// results bucket, and return the "bucket/key" composite reference.
func (e *Engine) hostUploadFile(ctx context.Context, mod api.Module, reqPtr, reqLen uint32, pipelineNodeExecID string, log *zerolog.Logger) uint64 {
	reqBytes, err := readFromGuest(mod, reqPtr, reqLen)
	if err != nil {
		log.Error().Err(err).Msg("wasmworker: failed to read upload_file() args from guest memory")
		return e.writeHostError(ctx, mod, err)
	}

	var req uploadRequestMsg
	if err := json.Unmarshal(reqBytes, &req); err != nil {
		return e.writeHostError(ctx, mod, fmt.Errorf("invalid upload_file() payload: %w", err))
	}

	key := fmt.Sprintf("%s/%s", pipelineNodeExecID, req.Filename)
	ref, err := e.uploader.UploadResult(ctx, key, req.Data, "application/octet-stream")
	if err != nil {
		log.Error().Err(err).Str("filename", req.Filename).Msg("wasmworker: guest upload_file failed")
		return e.writeHostError(ctx, mod, err)
	}
	return e.writeHostOK(ctx, mod, []byte(ref))
}

// hostResultEnvelope prefixes a one-byte ok/error marker so a guest SDK can
// distinguish a successful payload from an error string without a second
// round trip.
const (
	hostResultOK    byte = 0
	hostResultError byte = 1
)

func (e *Engine) writeHostOK(ctx context.Context, mod api.Module, payload []byte) uint64 {
	return e.writeHostEnvelope(ctx, mod, hostResultOK, payload)
}

func (e *Engine) writeHostError(ctx context.Context, mod api.Module, err error) uint64 {
	return e.writeHostEnvelope(ctx, mod, hostResultError, []byte(err.Error()))
}

func (e *Engine) writeHostEnvelope(ctx context.Context, mod api.Module, marker byte, payload []byte) uint64 {
	envelope := append([]byte{marker}, payload...)
	ptr, err := writeToGuest(ctx, mod, envelope)
	if err != nil {
		// Nothing more we can do: the guest's own alloc failed, so there is
		// no memory to report the error into. Return a zero-length result.
		return pack(0, 0)
	}
	return pack(ptr, uint32(len(envelope)))
}

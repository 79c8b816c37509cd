package wasmworker

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Guest components are expected to export:
//   - memory: linear memory the host reads/writes through
//   - alloc(size uint32) -> uint32: returns a pointer to size bytes the
//     guest owns for the duration of the call
//   - run(ptr uint32, len uint32) -> uint64: packed (ptr<<32|len) pointing
//     at the JSON result string
//
// Host-exported functions follow the same convention in reverse: the host
// calls the guest's alloc to place its own JSON payload before invoking a
// guest import, and packs its JSON response the same packed-uint64 way.

// pack combines a pointer and length into wazero's i64 return convention.
func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// writeToGuest calls the guest's exported alloc function and copies data
// into the returned region.
func writeToGuest(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, fmt.Errorf("wasmworker: guest module does not export alloc")
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("wasmworker: guest alloc failed: %w", err)
	}
	ptr := uint32(results[0])
	if len(data) > 0 && !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("wasmworker: write past guest memory bounds")
	}
	return ptr, nil
}

// readFromGuest reads length bytes at ptr out of the guest's linear memory.
func readFromGuest(mod api.Module, ptr, length uint32) ([]byte, error) {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("wasmworker: read past guest memory bounds")
	}
	// Memory().Read returns a view into guest memory that becomes invalid
	// once the guest's memory is mutated again; copy it out immediately.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

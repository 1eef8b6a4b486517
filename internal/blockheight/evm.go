package blockheight

import (
	"context"
	"fmt"
	"sync"
)

// EVMHeaderSource is the minimal dependency the binary search needs. It is
// satisfied by *evmrpc.Client.
type EVMHeaderSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// maxBinarySearchIterations is the safety cap from spec.md §4.8/§8 property
// 6 — adequate for ranges well beyond 2^50 blocks.
const maxBinarySearchIterations = 50

// EVMResolver resolves (timestamp) -> block number via binary search over
// header timestamps, caching the genesis block in-process per spec.md §4.8.
type EVMResolver struct {
	source EVMHeaderSource

	mu               sync.Mutex
	genesisTimestamp *uint64
}

// NewEVMResolver constructs a resolver over source.
func NewEVMResolver(source EVMHeaderSource) *EVMResolver {
	return &EVMResolver{source: source}
}

func (r *EVMResolver) genesis(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.genesisTimestamp != nil {
		return *r.genesisTimestamp, nil
	}
	ts, err := r.source.HeaderTimestamp(ctx, 0)
	if err != nil {
		return 0, err
	}
	r.genesisTimestamp = &ts
	return ts, nil
}

// HeightAtTimestamp returns the largest block number whose timestamp is
// <= target. A target before genesis clamps to genesis; a target after the
// current head clamps to head — spec.md §8 property 9.
//
// Invariant maintained throughout the loop: left <= right, and result
// always points to the largest known block with timestamp <= target
// (spec.md §4.8).
func (r *EVMResolver) HeightAtTimestamp(ctx context.Context, target uint64) (uint64, error) {
	genesisTS, err := r.genesis(ctx)
	if err != nil {
		return 0, fmt.Errorf("blockheight: genesis lookup: %w", err)
	}
	if target <= genesisTS {
		return 0, nil
	}

	head, err := r.source.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("blockheight: head lookup: %w", err)
	}
	headTS, err := r.source.HeaderTimestamp(ctx, head)
	if err != nil {
		return 0, fmt.Errorf("blockheight: head timestamp: %w", err)
	}
	if target >= headTS {
		return head, nil
	}

	left, right := uint64(0), head
	result := uint64(0)

	for i := 0; i < maxBinarySearchIterations && left <= right; i++ {
		mid := left + (right-left)/2
		ts, err := r.source.HeaderTimestamp(ctx, mid)
		if err != nil {
			// Block-fetch failures inside the loop narrow the right bound
			// rather than fail the search outright, per spec.md §4.8.
			if mid == 0 {
				break
			}
			right = mid - 1
			continue
		}
		if ts <= target {
			result = mid
			if mid == right {
				break
			}
			left = mid + 1
		} else {
			if mid == 0 {
				break
			}
			right = mid - 1
		}
	}

	return result, nil
}

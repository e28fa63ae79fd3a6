package comm

import (
	"context"
	"fmt"
)

// Collectives use negative tags so they never match user messages.
const (
	tagBarrier = -1
	tagReduce  = -2
)

// rank of the worker that gathers the collectives
const manager = 0

// Barrier blocks until every worker has entered it.
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.allreduce(ctx, tagBarrier, true)
	return err
}

// AllreduceAND returns the logical AND of flag over all workers. Every
// worker gets the same result.
func (c *Comm) AllreduceAND(ctx context.Context, flag bool) (bool, error) {
	return c.allreduce(ctx, tagReduce, flag)
}

// allreduce sends every flag to the manager, which combines them and sends
// the result back.
func (c *Comm) allreduce(ctx context.Context, tag int, flag bool) (bool, error) {
	if err := c.Err(); err != nil {
		return false, err
	}
	if c.size == 1 {
		return flag, nil
	}
	if c.rank != manager {
		if _, err := c.post(ctx, manager, tag, nil, flag, false); err != nil {
			return false, err
		}
		m, err := c.receive(ctx, manager, tag)
		if err != nil {
			return false, err
		}
		return m.Flag, nil
	}

	result := flag
	for r := 0; r < c.size; r++ {
		if r == manager {
			continue
		}
		m, err := c.receive(ctx, r, tag)
		if err != nil {
			return false, fmt.Errorf("comm: gather from rank %d: %w", r, err)
		}
		result = result && m.Flag
	}
	for r := 0; r < c.size; r++ {
		if r == manager {
			continue
		}
		if _, err := c.post(ctx, r, tag, nil, result, false); err != nil {
			return false, err
		}
	}
	return result, nil
}

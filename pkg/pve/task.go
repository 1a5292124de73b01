package pve

import (
	"context"
	"fmt"
	"time"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/metrics"
)

const taskPollInterval = 2 * time.Second

type taskLogRow struct {
	N int    `json:"n"`
	T string `json:"t"`
}

// WaitForTask polls the task every two seconds until it reaches a terminal
// state or the timeout elapses. A failed task yields a TaskFailed error
// carrying the last lines of the task log; a timeout yields Timeout. The
// task keeps running on the node after a timeout, callers decide whether
// that matters.
func (c *APIClient) WaitForTask(ctx context.Context, node string, task TaskID, timeout time.Duration) error {
	start := time.Now()
	defer func() {
		metrics.TaskWaitDuration.Observe(time.Since(start).Seconds())
	}()

	deadline := start.Add(timeout)
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	for {
		status, err := c.taskStatus(ctx, node, task)
		if err != nil {
			// Transient poll failures do not fail the wait; the deadline
			// still bounds it.
			if !errdefs.IsRetryable(err) {
				return err
			}
			c.logger.Debug().Str("task", string(task)).Err(err).Msg("task poll failed, will retry")
		} else if status.Finished() {
			if status.OK() {
				return nil
			}
			tail := c.taskLogTail(ctx, node, task, 10)
			return errdefs.TaskFailed(string(task), status.ExitStatus, tail)
		}

		if time.Now().After(deadline) {
			return errdefs.Timeout(fmt.Sprintf("task %s on node %s", task, node), timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errdefs.Wrap(errdefs.KindCanceled, ctx.Err(), "wait for task %s canceled", task)
		}
	}
}

func (c *APIClient) taskStatus(ctx context.Context, node string, task TaskID) (*TaskStatusInfo, error) {
	var body struct {
		Status     string `json:"status"`
		ExitStatus string `json:"exitstatus"`
	}
	err := c.withRetry(ctx, "task status", func() error {
		return c.upstream.Get(ctx, fmt.Sprintf("/nodes/%s/tasks/%s/status", node, task), &body)
	})
	if err != nil {
		return nil, err
	}
	return &TaskStatusInfo{Status: body.Status, ExitStatus: body.ExitStatus}, nil
}

// taskLogTail fetches the last n lines of the task log. Best effort: an
// empty tail is returned when the log itself cannot be read.
func (c *APIClient) taskLogTail(ctx context.Context, node string, task TaskID, n int) []string {
	var rows []taskLogRow
	err := c.upstream.Get(ctx, fmt.Sprintf("/nodes/%s/tasks/%s/log?limit=500", node, task), &rows)
	if err != nil {
		c.logger.Debug().Str("task", string(task)).Err(err).Msg("could not fetch task log")
		return nil
	}
	if len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	tail := make([]string, 0, len(rows))
	for _, r := range rows {
		tail = append(tail, r.T)
	}
	return tail
}

package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// Client enqueues generate tasks. The task id is the job id, so a job is
// never queued twice while its task is still retained.
type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewClient builds a client whose tasks may run for taskTimeout, which must
// cover submission plus the full poll deadline.
func NewClient(redisOpt asynq.RedisClientOpt, queueName string, taskTimeout time.Duration) *Client {
	if taskTimeout <= 0 {
		taskTimeout = 35 * time.Minute
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: taskTimeout,
	}
}

func (c *Client) EnqueueGenerateImage(ctx context.Context, payload GenerateImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewGenerateImageTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(3),
		asynq.Timeout(c.timeout),
		asynq.Retention(24*time.Hour),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}

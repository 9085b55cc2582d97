package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// CloudTaskTrigger enqueues periodic compaction-trigger HTTP tasks against
// a Cloud Tasks queue instead of driving Scheduler's ticker in-process.
// Multi-node deployments use this so only one delivered task runs
// compaction at a time, rather than racing every node's own ticker; a
// single-node deployment is better served by Scheduler directly.
type CloudTaskTrigger struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
}

// NewCloudTaskTrigger dials Cloud Tasks and resolves the queue path from
// its project/location/queue components.
func NewCloudTaskTrigger(projectID, locationID, queueID, targetURL string) (*CloudTaskTrigger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: cloudtasks.NewClient: %w", err)
	}

	return &CloudTaskTrigger{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL: targetURL,
	}, nil
}

// Enqueue schedules one compaction-trigger HTTP POST, delivered no sooner
// than delay from now.
func (t *CloudTaskTrigger) Enqueue(ctx context.Context, delay time.Duration) error {
	req := &taskspb.CreateTaskRequest{
		Parent: t.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        t.targetURL,
				},
			},
		},
	}
	if delay > 0 {
		req.Task.ScheduleTime = timestamppb.New(time.Now().Add(delay))
	}
	task, err := t.client.CreateTask(ctx, req)
	if err != nil {
		return fmt.Errorf("archive: enqueue compaction task: %w", err)
	}
	slog.Info("compaction task enqueued", "task", task.GetName(), "target", t.targetURL)
	return nil
}

// Close releases the Cloud Tasks client.
func (t *CloudTaskTrigger) Close() error {
	return t.client.Close()
}

package logout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/authrim/authrim/internal/common"
)

// QueueName is the asynq queue logout deliveries run on.
const QueueName = "logout"

// AsynqDispatcher enqueues deliveries on Redis; a Worker on any instance
// picks them up. The enqueue happens before the logout response is
// written, which is what makes the fan-out survive a crash of the
// instance that handled the request.
type AsynqDispatcher struct {
	client *asynq.Client
}

func NewAsynqDispatcher(redis asynq.RedisConnOpt) *AsynqDispatcher {
	return &AsynqDispatcher{client: asynq.NewClient(redis)}
}

func (d *AsynqDispatcher) DispatchBackchannel(ctx context.Context, t *BackchannelTask, opts DeliveryOptions) error {
	return d.enqueue(ctx, TaskBackchannel, t, opts)
}

func (d *AsynqDispatcher) DispatchWebhook(ctx context.Context, t *WebhookTask, opts DeliveryOptions) error {
	return d.enqueue(ctx, TaskWebhook, t, opts)
}

func (d *AsynqDispatcher) enqueue(ctx context.Context, kind string, payload any, opts DeliveryOptions) error {
	opts = opts.normalized()
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s task: %w", kind, err)
	}
	_, err = d.client.EnqueueContext(ctx, asynq.NewTask(kind, raw),
		asynq.Queue(QueueName),
		asynq.MaxRetry(opts.Retries),
		asynq.Timeout(opts.Timeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s task: %w", kind, err)
	}
	return nil
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// Worker consumes the logout queue and executes deliveries. Deliveries are
// at-least-once; receivers have to tolerate a duplicate logout token.
type Worker struct {
	server  *asynq.Server
	deliver *Deliverer
	log     *common.Logger
}

func NewWorker(redis asynq.RedisConnOpt, d *Deliverer, concurrency int, log *common.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 10
	}
	if log == nil {
		log = common.NewSilentLogger()
	}
	server := asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			log.Warn().Err(err).Str("task", task.Type()).Msg("Logout delivery attempt failed")
		}),
	})
	return &Worker{server: server, deliver: d, log: log}
}

// Start launches the consumer loop in the background.
func (w *Worker) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskBackchannel, w.handleBackchannel)
	mux.HandleFunc(TaskWebhook, w.handleWebhook)
	return w.server.Start(mux)
}

// Shutdown waits for in-flight tasks, then stops the consumer.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func (w *Worker) handleBackchannel(ctx context.Context, t *asynq.Task) error {
	var task BackchannelTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decode backchannel task: %v: %w", err, asynq.SkipRetry)
	}
	return w.deliver.SendBackchannel(ctx, &task)
}

func (w *Worker) handleWebhook(ctx context.Context, t *asynq.Task) error {
	var task WebhookTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decode webhook task: %v: %w", err, asynq.SkipRetry)
	}
	return w.deliver.SendWebhook(ctx, &task)
}

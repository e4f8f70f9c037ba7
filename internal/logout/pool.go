package logout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/authrim/authrim/internal/common"
)

// ErrDispatcherClosed rejects dispatches after shutdown has begun.
var ErrDispatcherClosed = errors.New("logout: dispatcher closed")

// Pool runs deliveries on in-process goroutines when no task queue is
// configured. Work accepted before Close is guaranteed to finish: the
// request handler returns immediately while the pool drains on shutdown.
// Deliveries run on a background context so a client disconnect cannot
// cancel them.
type Pool struct {
	deliver *Deliverer
	sem     chan struct{}
	backoff time.Duration
	log     *common.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool builds a Pool bounded to workers concurrent deliveries.
// workers <= 0 selects the default of 16.
func NewPool(d *Deliverer, workers int, log *common.Logger) *Pool {
	if workers <= 0 {
		workers = 16
	}
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Pool{
		deliver: d,
		sem:     make(chan struct{}, workers),
		backoff: 500 * time.Millisecond,
		log:     log,
	}
}

func (p *Pool) DispatchBackchannel(_ context.Context, t *BackchannelTask, opts DeliveryOptions) error {
	return p.submit(opts, func(ctx context.Context) error {
		return p.deliver.SendBackchannel(ctx, t)
	})
}

func (p *Pool) DispatchWebhook(_ context.Context, t *WebhookTask, opts DeliveryOptions) error {
	return p.submit(opts, func(ctx context.Context) error {
		return p.deliver.SendWebhook(ctx, t)
	})
}

func (p *Pool) submit(opts DeliveryOptions, send func(context.Context) error) error {
	opts = opts.normalized()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrDispatcherClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		p.run(opts, send)
	}()
	return nil
}

func (p *Pool) run(opts DeliveryOptions, send func(context.Context) error) {
	var err error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * p.backoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
		err = send(ctx)
		cancel()
		if err == nil {
			return
		}
	}
	p.log.Error().Err(err).Int("attempts", opts.Retries+1).Msg("Logout delivery abandoned")
}

// Close stops accepting work and waits for every accepted delivery to
// finish or exhaust its retries.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

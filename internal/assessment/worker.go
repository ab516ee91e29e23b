package assessment

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/assessment-api/pkg/ragflow"
)

// ErrQueueFull is returned when the job queue cannot accept more work.
var ErrQueueFull = eris.New("job queue is full")

// Job kinds dispatched by the pool.
const (
	JobRun        = "run"
	JobRunDataset = "run_dataset"
	JobRunSession = "run_session"
)

// Job is one queued pipeline execution.
type Job struct {
	Kind      string
	TaskID    string
	DatasetID string         // run_dataset only
	Files     []ragflow.File // run only
}

// Pool executes pipeline jobs on a fixed set of workers. A panicking job
// marks its task failed instead of taking the process down.
type Pool struct {
	svc  *Service
	jobs chan Job
	wg   sync.WaitGroup
	log  *zap.Logger
}

// NewPool creates a job pool; Start must be called before Enqueue.
func NewPool(svc *Service, queueSize int) *Pool {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		svc:  svc,
		jobs: make(chan Job, queueSize),
		log:  zap.L().Named("worker"),
	}
}

// Start launches count workers bound to ctx. Workers drain until Stop closes
// the queue or the context is cancelled.
func (p *Pool) Start(ctx context.Context, count int) {
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

// Enqueue submits a job without blocking.
func (p *Pool) Enqueue(job Job) error {
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(ctx, job)
		}
	}
}

func (p *Pool) execute(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked",
				zap.String("task_id", job.TaskID),
				zap.String("kind", job.Kind),
				zap.Any("panic", r))
			if rec, err := p.svc.store.GetTask(ctx, job.TaskID); err == nil && rec != nil {
				_ = p.svc.failWith(ctx, rec, eris.Errorf("internal error: %v", r))
			}
		}
	}()

	var err error
	switch job.Kind {
	case JobRun:
		err = p.svc.Run(ctx, job.TaskID, job.Files)
	case JobRunDataset:
		err = p.svc.RunFromDataset(ctx, job.TaskID, job.DatasetID)
	case JobRunSession:
		err = p.svc.RunForSession(ctx, job.TaskID)
	default:
		err = eris.Errorf("unknown job kind %q", job.Kind)
	}
	if err != nil {
		p.log.Warn("job finished with error",
			zap.String("task_id", job.TaskID),
			zap.String("kind", job.Kind),
			zap.Error(err))
	}
}

package billing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs named jobs on fixed intervals.
type Scheduler interface {
	RegisterInterval(name string, period time.Duration, job func(context.Context))
}

type intervalJob struct {
	name   string
	period time.Duration
	run    func(context.Context)
}

// TickerScheduler runs each registered job in its own goroutine on a
// time.Ticker. Jobs first fire one full period after Start; a new
// deployment bills nothing until real time has accrued.
type TickerScheduler struct {
	logger *zap.Logger
	mu     sync.Mutex
	jobs   []intervalJob
	wg     sync.WaitGroup
}

// NewTickerScheduler creates an empty scheduler.
func NewTickerScheduler(logger *zap.Logger) *TickerScheduler {
	return &TickerScheduler{logger: logger}
}

// RegisterInterval adds a job. Must be called before Start.
func (s *TickerScheduler) RegisterInterval(name string, period time.Duration, job func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, intervalJob{name: name, period: period, run: job})
}

// Start launches all registered jobs. They run until ctx is cancelled.
func (s *TickerScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := s.jobs
	s.mu.Unlock()

	for _, job := range jobs {
		s.wg.Add(1)
		go s.runLoop(ctx, job)
		s.logger.Info("background job scheduled",
			zap.String("job", job.name),
			zap.Duration("period", job.period),
		)
	}
}

// Wait blocks until all job loops have exited after ctx cancellation.
func (s *TickerScheduler) Wait() {
	s.wg.Wait()
}

func (s *TickerScheduler) runLoop(ctx context.Context, job intervalJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("background job stopped", zap.String("job", job.name))
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("background job panicked",
							zap.String("job", job.name),
							zap.Any("panic", r),
						)
					}
				}()
				job.run(ctx)
			}()
		}
	}
}

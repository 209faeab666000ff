package scheduler

import (
	"sync"
	"time"

	"difflsp/internal/metrics"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("difflsp.scheduler")

type Task struct {
	Name    string
	Execute func() error
}

// Scheduler runs background tasks one at a time on a single worker. A
// task is dropped rather than queued twice: while a task with the same
// name is pending, further submissions of it are skipped.
type Scheduler struct {
	taskQueue chan Task
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	stopped bool
}

// NewScheduler creates a new Scheduler with the specified queue size
func NewScheduler(queueSize int) *Scheduler {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Scheduler{
		taskQueue: make(chan Task, queueSize),
		stopChan:  make(chan struct{}),
		pending:   make(map[string]struct{}),
	}
}

// Run starts the worker loop.
func (s *Scheduler) Run() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case task := <-s.taskQueue:
				s.execute(task)
			case <-s.stopChan:
				// finish what was already accepted
				for {
					select {
					case task := <-s.taskQueue:
						log.Debugf("draining %s task", task.Name)
						s.execute(task)
					default:
						return
					}
				}
			}
		}
	}()
}

// Submit queues a task without blocking. It reports whether the task was
// accepted.
func (s *Scheduler) Submit(task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		log.Debugf("scheduler stopped, dropping %s", task.Name)
		return false
	}
	if _, ok := s.pending[task.Name]; ok {
		log.Debugf("%s already pending", task.Name)
		return false
	}
	select {
	case s.taskQueue <- task:
		s.pending[task.Name] = struct{}{}
		log.Debugf("scheduled %s", task.Name)
		return true
	default:
		log.Warningf("skipped scheduling %s, queue is full", task.Name)
		return false
	}
}

// SchedulePeriodicTask submits task now and then once per interval until
// the scheduler stops.
func (s *Scheduler) SchedulePeriodicTask(interval time.Duration, task Task) {
	s.Submit(task)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Submit(task)
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop refuses new tasks, runs the ones already queued and waits for the
// worker to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		log.Info("stopping scheduler")
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *Scheduler) execute(task Task) {
	defer func() {
		s.mu.Lock()
		delete(s.pending, task.Name)
		s.mu.Unlock()
	}()

	start := time.Now()
	if err := task.Execute(); err != nil {
		metrics.Tasks.WithLabelValues(task.Name, "failed").Inc()
		log.Errorf("%s task failed after %s: %v", task.Name, time.Since(start), err)
		return
	}
	metrics.Tasks.WithLabelValues(task.Name, "ok").Inc()
	log.Debugf("%s task done in %s", task.Name, time.Since(start))
}

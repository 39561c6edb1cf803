package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// VirtualScheduler runs tasks on a manually advanced clock, so tests can
// exercise timer-driven behavior like vote expiry and idle sweeps without
// sleeping.
type VirtualScheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*virtualTask
}

type virtualTask struct {
	seq      int
	name     string
	due      time.Time
	interval time.Duration // zero for one-shot
	run      func(ctx context.Context)
	canceled bool
}

func NewVirtualScheduler(start time.Time) *VirtualScheduler {
	return &VirtualScheduler{now: start}
}

func (s *VirtualScheduler) Every(name string, interval time.Duration, task func(ctx context.Context)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &virtualTask{
		seq:      s.seq,
		name:     name,
		due:      s.now.Add(interval),
		interval: interval,
		run:      task,
	}
	s.tasks = append(s.tasks, t)
	return s.cancelFunc(t)
}

func (s *VirtualScheduler) After(delay time.Duration, task func(ctx context.Context)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &virtualTask{
		seq: s.seq,
		due: s.now.Add(delay),
		run: task,
	}
	s.tasks = append(s.tasks, t)
	return s.cancelFunc(t)
}

func (s *VirtualScheduler) cancelFunc(t *virtualTask) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.canceled = true
	}
}

func (s *VirtualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward, firing due tasks in order. Recurring
// tasks reschedule themselves; a task registered by a fired task runs in
// the same advance when it comes due.
func (s *VirtualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		t := s.popDue(target)
		if t == nil {
			break
		}
		t.run(context.Background())
	}

	s.mu.Lock()
	if target.After(s.now) {
		s.now = target
	}
	s.mu.Unlock()
}

// popDue advances the clock to the earliest due task at or before target and
// removes it from the queue, rescheduling recurring tasks.
func (s *VirtualScheduler) popDue(target time.Time) *virtualTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.canceled {
			live = append(live, t)
		}
	}
	s.tasks = live

	sort.Slice(s.tasks, func(i, j int) bool {
		if s.tasks[i].due.Equal(s.tasks[j].due) {
			return s.tasks[i].seq < s.tasks[j].seq
		}
		return s.tasks[i].due.Before(s.tasks[j].due)
	})

	if len(s.tasks) == 0 || s.tasks[0].due.After(target) {
		return nil
	}

	t := s.tasks[0]
	if t.due.After(s.now) {
		s.now = t.due
	}
	if t.interval > 0 {
		t.due = t.due.Add(t.interval)
	} else {
		s.tasks = s.tasks[1:]
	}
	return t
}

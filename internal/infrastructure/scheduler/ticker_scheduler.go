package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickerScheduler drives periodic and delayed tasks off wall-clock timers.
// Every loop gets its own goroutine; Stop waits for them to drain.
type TickerScheduler struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	stops  []chan struct{}
	wg     sync.WaitGroup
	closed bool
}

func NewTickerScheduler(logger *zap.SugaredLogger) *TickerScheduler {
	return &TickerScheduler{logger: logger}
}

func (s *TickerScheduler) Every(name string, interval time.Duration, task func(ctx context.Context)) func() {
	stop := make(chan struct{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.stops = append(s.stops, stop)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				task(context.Background())
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}
}

func (s *TickerScheduler) After(delay time.Duration, task func(ctx context.Context)) func() {
	timer := time.AfterFunc(delay, func() {
		task(context.Background())
	})
	return func() { timer.Stop() }
}

func (s *TickerScheduler) Now() time.Time {
	return time.Now()
}

// Stop cancels every running loop and waits for them to exit. Pending After
// timers fire or were cancelled individually by their callers.
func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()

	for _, stop := range stops {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	s.wg.Wait()
}

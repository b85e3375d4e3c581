package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// gojaSandbox is one isolate: a fresh goja runtime per execution. goja has no
// host bindings by default, which satisfies the no-filesystem/no-network
// requirement; limits are enforced with the runtime interrupt.
type gojaSandbox struct {
	rt     *goja.Runtime
	limits Limits

	closeOnce sync.Once
	stopCh    chan struct{}
}

// New creates an isolate with the given limits.
func New(limits Limits) Sandbox {
	return &gojaSandbox{
		rt:     goja.New(),
		limits: limits,
		stopCh: make(chan struct{}),
	}
}

// Inject implements Sandbox.
func (s *gojaSandbox) Inject(name string, value any) error {
	return s.rt.Set(name, value)
}

// Runtime implements Sandbox.
func (s *gojaSandbox) Runtime() *goja.Runtime { return s.rt }

// Evaluate implements Sandbox. The wall clock is enforced with a timer-driven
// interrupt; memory with a sampling watchdog. Memory accounting is an
// approximation of heap growth since goja exposes no per-isolate cap. The
// other bounds are the code-size limit and the HTTP body limit; pause
// payloads and results have no byte cap of their own.
func (s *gojaSandbox) Evaluate(ctx context.Context, code string) (goja.Value, error) {
	program, err := goja.Compile("execution.js", code, false)
	if err != nil {
		return nil, fmt.Errorf("compiling transformed code: %w", err)
	}

	done := make(chan struct{})
	defer close(done)

	if s.limits.Timeout > 0 {
		timer := time.AfterFunc(s.limits.Timeout, func() {
			s.rt.Interrupt(ErrTimeout)
		})
		defer timer.Stop()
	}
	if deadline, ok := ctx.Deadline(); ok {
		timer := time.AfterFunc(time.Until(deadline), func() {
			s.rt.Interrupt(ErrTimeout)
		})
		defer timer.Stop()
	}
	if s.limits.MaxMemoryBytes > 0 {
		go s.watchMemory(done)
	}

	value, err := s.rt.RunProgram(program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, cause
			}
			return nil, ErrTimeout
		}
		return nil, err
	}
	return value, nil
}

// watchMemory samples heap growth and interrupts the runtime when the
// execution's share exceeds the cap.
func (s *gojaSandbox) watchMemory(done <-chan struct{}) {
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			var now runtime.MemStats
			runtime.ReadMemStats(&now)
			if now.HeapAlloc > base.HeapAlloc && int64(now.HeapAlloc-base.HeapAlloc) > s.limits.MaxMemoryBytes {
				s.rt.Interrupt(ErrMemoryExceeded)
				return
			}
		}
	}
}

// Close implements Sandbox.
func (s *gojaSandbox) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.rt.Interrupt(errors.New("sandbox closed"))
	})
}

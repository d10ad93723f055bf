package supervisor

import (
	"context"
	"time"

	"github.com/prometheus/procfs"

	"github.com/splax/shipyard/internal/domain"
)

type cpuSample struct {
	seconds float64
	at      time.Time
}

// RunSampler records memory and cpu usage of running applications every
// interval until ctx ends. Sampling is skipped where /proc is unavailable.
func (s *Supervisor) RunSampler(ctx context.Context, every time.Duration) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		s.log.Warn("resource sampling disabled", "error", err)
		return
	}
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(fs)
		}
	}
}

func (s *Supervisor) sample(fs procfs.FS) {
	s.mu.Lock()
	apps := make([]*app, 0, len(s.apps))
	for _, a := range s.apps {
		apps = append(apps, a)
	}
	s.mu.Unlock()

	running := 0
	for _, a := range apps {
		a.mu.Lock()
		inst := a.current
		a.mu.Unlock()
		if inst == nil {
			continue
		}
		running++
		proc, err := fs.Proc(inst.pid())
		if err != nil {
			continue
		}
		stat, err := proc.Stat()
		if err != nil {
			s.log.Debug("read process stat failed", "application", a.name, "pid", inst.pid(), "error", err)
			continue
		}
		now := time.Now().UTC()
		memory := uint64(stat.ResidentMemory())
		cpuSeconds := stat.CPUTime()

		a.mu.Lock()
		if a.current != inst {
			a.mu.Unlock()
			continue
		}
		var percent float64
		if !a.cpu.at.IsZero() {
			if elapsed := now.Sub(a.cpu.at).Seconds(); elapsed > 0 {
				percent = (cpuSeconds - a.cpu.seconds) / elapsed * 100
			}
		}
		a.cpu = cpuSample{seconds: cpuSeconds, at: now}
		a.usage.push(domain.Usage{Memory: memory, CPU: percent, Timestamp: now})
		a.mu.Unlock()

		s.metrics.usage(a.name, memory, percent)
	}
	s.metrics.running(running)
}

// Package metrics implements the Metrics Sampler (C5): a 1s ticker that
// records host CPU and memory usage for the lifetime of a session, flushed
// to metrics.json at session end. Readings are host-wide, taken with
// gopsutil's cpu and mem packages.
package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sample is one tick's reading.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpuPercent"`
	MemPercent  float64   `json:"memPercent"`
	MemUsedMB   float64   `json:"memUsedMb"`
}

// Sampler ticks every period, recording one Sample per tick. Ticks never
// overlap: a slow cpu.Percent call simply delays the next tick rather than
// stacking concurrent samples, matching spec.md §4's "non-overlapping
// ticks" requirement.
type Sampler struct {
	period time.Duration

	mu      sync.Mutex
	samples []Sample

	stop chan struct{}
	done chan struct{}
}

func New(period time.Duration) *Sampler {
	return &Sampler{
		period: period,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins sampling in a background goroutine. Call Stop to end it.
func (s *Sampler) Start() {
	go s.run()
}

func (s *Sampler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	sample := Sample{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemPercent = vm.UsedPercent
		sample.MemUsedMB = float64(vm.Used) / (1024 * 1024)
	}

	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()
}

// Stop halts the ticker and waits for the goroutine to exit.
func (s *Sampler) Stop() {
	close(s.stop)
	<-s.done
}

// Samples returns a copy of all samples collected so far.
func (s *Sampler) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Flush writes all samples as metrics.json to path.
func (s *Sampler) Flush(path string) error {
	data, err := json.MarshalIndent(s.Samples(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

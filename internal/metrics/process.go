package metrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// cpuSampler computes process CPU usage between successive samples.
type cpuSampler struct {
	mu       sync.Mutex
	lastWall time.Time
	lastUser time.Duration
	lastSys  time.Duration
	lastCPU  float64
}

func newCPUSampler() *cpuSampler {
	user, sys := getrusageTimes()
	return &cpuSampler{lastWall: time.Now(), lastUser: user, lastSys: sys}
}

// percent returns the process CPU usage as a percentage (0-100+) since the
// previous call. Multi-core processes can exceed 100%.
func (s *cpuSampler) percent() float64 {
	now := time.Now()
	user, sys := getrusageTimes()

	s.mu.Lock()
	defer s.mu.Unlock()

	wall := now.Sub(s.lastWall)
	if wall <= 0 {
		return s.lastCPU
	}

	delta := (user - s.lastUser) + (sys - s.lastSys)
	s.lastCPU = float64(delta) / float64(wall) * 100.0
	s.lastWall, s.lastUser, s.lastSys = now, user, sys
	return s.lastCPU
}

// memoryInuse returns HeapInuse plus StackInuse, in bytes.
func memoryInuse() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapInuse + m.StackInuse)
}

func getrusageTimes() (user, sys time.Duration) {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0, 0
	}
	return time.Duration(rusage.Utime.Nano()), time.Duration(rusage.Stime.Nano())
}

func registerProcessGauges(reg *prometheus.Registry) {
	cpu := newCPUSampler()
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "Process CPU usage since the previous scrape",
		}, cpu.percent),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_inuse_bytes",
			Help:      "Heap and stack memory in use by the Go runtime",
		}, memoryInuse),
	)
}

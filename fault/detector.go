package fault

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var detections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_fault_detections_total",
	Help: "Crypto fault phrases matched in session logs",
}, []string{"scope"})

// Recoverer is anything the detector can ask to self-heal.
type Recoverer interface {
	RecoverFromFault()
}

// Detector watches log lines from every session and, the first time one
// carries a crypto fault phrase, asks every subscribed session to recover.
// It stays latched until ResetLatch is called.
type Detector struct {
	mutex   sync.Mutex
	latched bool
	subs    map[string]Recoverer
	logger  zerolog.Logger
}

func NewDetector(logger zerolog.Logger) *Detector {
	return &Detector{
		subs:   make(map[string]Recoverer),
		logger: logger.With().Str("component", "fault-detector").Logger(),
	}
}

func (d *Detector) Subscribe(key string, r Recoverer) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.subs[key] = r
}

func (d *Detector) Unsubscribe(key string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.subs, key)
}

// Observe scans one log line. It returns true only for the call that fired
// the latch.
func (d *Detector) Observe(line string) bool {
	if !IsCryptoFault(line) {
		return false
	}

	d.mutex.Lock()
	if d.latched {
		d.mutex.Unlock()
		return false
	}
	d.latched = true
	targets := make([]Recoverer, 0, len(d.subs))
	for _, r := range d.subs {
		targets = append(targets, r)
	}
	d.mutex.Unlock()

	detections.WithLabelValues("process").Inc()
	d.logger.Error().Int("sessions", len(targets)).Msg("Global crypto error detected, scheduling one-time reset for all active instances")
	for _, r := range targets {
		r.RecoverFromFault()
	}
	return true
}

func (d *Detector) Latched() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.latched
}

func (d *Detector) ResetLatch() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.latched = false
}

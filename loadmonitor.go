package imscore

import (
	"sync"
	"time"
)

const (
	// Adjustment fires after this many completed requests ...
	defaultRequestsBeforeAdjustment = 20
	// ... or after this much time since the last adjustment
	defaultSecondsBeforeAdjustment = 2 * time.Second

	defaultEWMAWeight        = 0.9
	defaultDecreaseThreshold = 1.2
	defaultIncreaseThreshold = 0.8
	defaultDecreaseFactor    = 0.8
	defaultIncreaseFactor    = 1.25
)

// tokenBucket admits whole tokens while refilling continuously: tokens accrue
// fractionally between calls at the current rate and are re-evaluated on
// every admit.
type tokenBucket struct {
	capacity   float64
	tokens     float64
	rate       float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity int, rate float64) *tokenBucket {
	return &tokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		rate:       rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += b.rate * elapsed
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *tokenBucket) getToken(now time.Time) bool {
	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// LoadMonitor is a token-bucket admission controller whose refill rate tracks
// a configured latency target. Measured latencies above target shrink the
// rate, latencies below grow it, and externally reported penalties force a
// decrease regardless of latency.
type LoadMonitor struct {
	opt LoadMonitorOptions
	sas SASSink

	mu              sync.Mutex
	bucket          *tokenBucket
	smoothedLatency time.Duration
	requests        int
	accepted        int64
	rejected        int64
	penalties       int
	lastAdjustment  time.Time
}

type LoadMonitorOptions struct {
	// Latency the controller steers toward. Required.
	TargetLatency time.Duration

	// Bucket capacity in tokens, fixed at construction. Defaults to 20.
	Capacity int

	// Initial token refill rate in tokens/second. Defaults to 10.
	InitialRate float64

	// Floor for the refill rate. Defaults to 10% of InitialRate.
	MinRate float64

	// Weight of the previous smoothed latency in the EWMA. Defaults to 0.9.
	EWMAWeight float64

	// Adjustment trigger thresholds. Zero values take the defaults.
	RequestsBeforeAdjustment int
	SecondsBeforeAdjustment  time.Duration

	// Rate multipliers and latency-ratio thresholds for adjustment.
	DecreaseFactor    float64
	IncreaseFactor    float64
	DecreaseThreshold float64
	IncreaseThreshold float64

	// Telemetry sink. Defaults to NopSAS.
	SAS SASSink
}

// NewLoadMonitor returns an admission controller with a full bucket.
func NewLoadMonitor(opt LoadMonitorOptions) *LoadMonitor {
	if opt.Capacity == 0 {
		opt.Capacity = 20
	}
	if opt.InitialRate == 0 {
		opt.InitialRate = 10
	}
	if opt.MinRate == 0 {
		opt.MinRate = opt.InitialRate / 10
	}
	if opt.EWMAWeight == 0 {
		opt.EWMAWeight = defaultEWMAWeight
	}
	if opt.RequestsBeforeAdjustment == 0 {
		opt.RequestsBeforeAdjustment = defaultRequestsBeforeAdjustment
	}
	if opt.SecondsBeforeAdjustment == 0 {
		opt.SecondsBeforeAdjustment = defaultSecondsBeforeAdjustment
	}
	if opt.DecreaseFactor == 0 {
		opt.DecreaseFactor = defaultDecreaseFactor
	}
	if opt.IncreaseFactor == 0 {
		opt.IncreaseFactor = defaultIncreaseFactor
	}
	if opt.DecreaseThreshold == 0 {
		opt.DecreaseThreshold = defaultDecreaseThreshold
	}
	if opt.IncreaseThreshold == 0 {
		opt.IncreaseThreshold = defaultIncreaseThreshold
	}
	if opt.SAS == nil {
		opt.SAS = NopSAS{}
	}
	return &LoadMonitor{
		opt:            opt,
		sas:            opt.SAS,
		bucket:         newTokenBucket(opt.Capacity, opt.InitialRate),
		lastAdjustment: time.Now(),
	}
}

// Admit consumes one token if available. A false return means the request
// must be rejected with a temporary-unavailable response.
func (m *LoadMonitor) Admit(trail Trail) bool {
	m.mu.Lock()
	ok := m.bucket.getToken(time.Now())
	if ok {
		m.accepted++
	} else {
		m.rejected++
	}
	m.mu.Unlock()

	if ok {
		m.sas.Event(trail, NewSASEvent(SASEventLoadMonitorAccepted))
	} else {
		m.sas.Event(trail, NewSASEvent(SASEventLoadMonitorRejected))
	}
	return ok
}

// RequestComplete folds one measured latency into the smoothed value and runs
// an adjustment when the window has filled.
func (m *LoadMonitor) RequestComplete(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.smoothedLatency == 0 {
		m.smoothedLatency = latency
	} else {
		w := m.opt.EWMAWeight
		m.smoothedLatency = time.Duration(w*float64(m.smoothedLatency) + (1-w)*float64(latency))
	}
	m.requests++
	m.maybeAdjust(time.Now())
}

// IncrPenalties biases the next adjustment downward. Called when a downstream
// node reports overload.
func (m *LoadMonitor) IncrPenalties() {
	m.mu.Lock()
	m.penalties++
	m.mu.Unlock()
}

// UpdateStatistics publishes the current state to the gauge tables and resets
// the windowed counters.
func (m *LoadMonitor) UpdateStatistics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	loadMonitorTokenRate.Set(m.bucket.rate)
	loadMonitorSmoothedLatency.Set(float64(m.smoothedLatency.Microseconds()))
	loadMonitorAccepted.Set(float64(m.accepted))
	loadMonitorRejected.Set(float64(m.rejected))
	m.accepted = 0
	m.rejected = 0
}

// TokenRate returns the current refill rate. Diagnostics only.
func (m *LoadMonitor) TokenRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bucket.rate
}

// Penalties returns the pending penalty count. Diagnostics only.
func (m *LoadMonitor) Penalties() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.penalties
}

// maybeAdjust applies the rate-adjustment rule when the request or time
// window has elapsed. Called with the mutex held.
func (m *LoadMonitor) maybeAdjust(now time.Time) {
	if m.requests < m.opt.RequestsBeforeAdjustment && now.Sub(m.lastAdjustment) < m.opt.SecondsBeforeAdjustment {
		return
	}

	oldRate := m.bucket.rate
	ratio := float64(m.smoothedLatency) / float64(m.opt.TargetLatency)
	switch {
	case m.penalties > 0:
		m.bucket.rate *= m.opt.DecreaseFactor
		m.penalties = 0
	case ratio > m.opt.DecreaseThreshold:
		m.bucket.rate *= m.opt.DecreaseFactor
	case ratio < m.opt.IncreaseThreshold:
		m.bucket.rate *= m.opt.IncreaseFactor
	}
	if m.bucket.rate < m.opt.MinRate {
		m.bucket.rate = m.opt.MinRate
	}

	if m.bucket.rate != oldRate {
		Log.WithFields(map[string]interface{}{
			"old-rate":         oldRate,
			"new-rate":         m.bucket.rate,
			"smoothed-latency": m.smoothedLatency,
		}).Debug("token rate adjusted")
	}
	m.requests = 0
	m.lastAdjustment = now
}

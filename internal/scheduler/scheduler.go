package scheduler

import (
	"log/slog"
	"sync"
)

// DropReason distinguishes why a buffered frame was discarded.
type DropReason int

const (
	DropOverflow DropReason = iota
	DropSkip
)

func (r DropReason) String() string {
	switch r {
	case DropOverflow:
		return "overflow"
	case DropSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// State is the scheduler's coarse lifecycle state, exposed for telemetry
// and tests.
type State int

const (
	StateEmpty State = iota
	StatePriming
	StateSteady
	StateOverflowResync
	StateBypass
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePriming:
		return "priming"
	case StateSteady:
		return "steady"
	case StateOverflowResync:
		return "overflow_resync"
	case StateBypass:
		return "bypass"
	default:
		return "unknown"
	}
}

// Frame is the opaque decoded-frame handle the scheduler buffers and
// dequeues. Ownership transfers to whoever calls Dequeue; frames dropped
// internally are released via on_drop instead.
type Frame interface{}

// Timing carries the packet-level timestamps an Enqueue call records for
// telemetry; they are independent of the frame's own stream_ts_us.
type Timing struct {
	ArrivalUs int64
	DecodeUs  int64
}

// OnDropFunc is invoked exactly once per dropped frame.
type OnDropFunc func(frame Frame, reason DropReason)

// Config configures a Scheduler. Zero-value fields take the documented
// defaults; BufferDelayMs == 0 selects bypass mode.
type Config struct {
	// BufferDelayMs is the target end-to-end buffering delay. The
	// documented system default is 100ms; callers that want it must set
	// it explicitly, since the Go zero value (0) selects bypass mode
	// rather than a promoted default — the same value SetBufferDelay(0)
	// uses at runtime to flip into bypass.
	BufferDelayMs      int64
	MaxBuffer          int
	DriftCheckInterval int
	DriftThresholdMs   int64
	PacketHistorySize  int
	Logger             *slog.Logger
	OnDrop             OnDropFunc
}

const (
	defaultBufferDelayMs      = 100
	defaultDriftCheckInterval = 150
	defaultDriftThresholdMs   = 30
	defaultFrameDurationUs    = 20_000
	defaultPacketHistorySize  = 300
)

func (c Config) withDefaults() Config {
	if c.DriftCheckInterval == 0 {
		c.DriftCheckInterval = defaultDriftCheckInterval
	}
	if c.DriftThresholdMs == 0 {
		c.DriftThresholdMs = defaultDriftThresholdMs
	}
	if c.PacketHistorySize == 0 {
		c.PacketHistorySize = defaultPacketHistorySize
	}
	if c.MaxBuffer == 0 {
		c.MaxBuffer = defaultMaxBuffer(c.BufferDelayMs)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func defaultMaxBuffer(bufferDelayMs int64) int {
	n := int((bufferDelayMs*120 + 999) / 1000)
	if n < 30 {
		return 30
	}
	return n
}

type entry struct {
	frame      Frame
	streamTSUs int64
	arrivalUs  int64
	decodeUs   int64
	isKeyframe bool
}

// PacketTimingEntry is one row of the bounded arrival-interval history
// used for telemetry only.
type PacketTimingEntry struct {
	ArrivalUs     int64 `json:"arrival_us"`
	IntervalMs    int64 `json:"interval_ms"`
	StreamTSUs    int64 `json:"stream_ts_us"`
	IsKeyframe    bool  `json:"is_keyframe"`
	DecodeLatency int64 `json:"decode_latency_ms"`
	Dropped       bool  `json:"dropped"`
}

type syncPoint struct {
	startRealUs   int64
	startStreamUs int64
}

// Scheduler is the jitter buffer described in package doc.go. All methods
// are safe for concurrent use; the hot dequeue path only takes the write
// lock (there is no separate reader), consistent with the teacher's
// single-owner buffer discipline.
type Scheduler struct {
	mu sync.Mutex

	cfg             Config
	bufferDelayUs   int64
	frameDurationUs int64

	buffer []entry

	sync          *syncPoint
	resyncPending bool

	lastEnqueuedTS    int64
	hasLastEnqueued   bool
	lastArrivalUs     int64
	hasLastArrival    bool

	packetHistory []PacketTimingEntry

	dequeuesSinceCheck int
	bufferSizeSamples  []int

	totalEnqueued    int64
	totalDequeued    int64
	droppedOverflow  int64
	droppedSkip      int64
	driftCorrections int64

	decodeLatencySum int64
	decodeLatencyN   int64
	bufferWaitSum    int64
	bufferWaitN      int64
	totalLatencySum  int64
	totalLatencyN    int64
}

// New constructs a Scheduler from cfg, applying documented defaults for
// zero-value fields.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:             cfg,
		bufferDelayUs:   cfg.BufferDelayMs * 1000,
		frameDurationUs: defaultFrameDurationUs,
	}
}

func (s *Scheduler) drop(e entry, reason DropReason) {
	switch reason {
	case DropOverflow:
		s.droppedOverflow++
	case DropSkip:
		s.droppedSkip++
	}
	if s.cfg.OnDrop != nil {
		s.cfg.OnDrop(e.frame, reason)
	}
}

// Enqueue admits a newly decoded frame at stream_ts_us, recording timing
// for telemetry. If the buffer is at capacity the oldest frame is dropped
// with reason overflow and the sync point is invalidated; it is only
// re-established once a successful dequeue occurs against the fresher
// buffer contents.
func (s *Scheduler) Enqueue(frame Frame, streamTSUs int64, timing Timing, isKeyframe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intervalMs := int64(0)
	if s.hasLastArrival {
		intervalMs = (timing.ArrivalUs - s.lastArrivalUs) / 1000
	}
	s.lastArrivalUs = timing.ArrivalUs
	s.hasLastArrival = true

	s.packetHistory = append(s.packetHistory, PacketTimingEntry{
		ArrivalUs:     timing.ArrivalUs,
		IntervalMs:    intervalMs,
		StreamTSUs:    streamTSUs,
		IsKeyframe:    isKeyframe,
		DecodeLatency: (timing.DecodeUs - timing.ArrivalUs) / 1000,
	})
	if len(s.packetHistory) > s.cfg.PacketHistorySize {
		s.packetHistory = s.packetHistory[len(s.packetHistory)-s.cfg.PacketHistorySize:]
	}

	if s.hasLastEnqueued {
		delta := streamTSUs - s.lastEnqueuedTS
		if delta > 0 && delta < 100_000 {
			s.frameDurationUs = delta
		}
	}
	s.lastEnqueuedTS = streamTSUs
	s.hasLastEnqueued = true

	if len(s.buffer) >= s.cfg.MaxBuffer {
		oldest := s.buffer[0]
		s.buffer = s.buffer[1:]
		s.drop(oldest, DropOverflow)
		s.sync = nil
		s.resyncPending = true
	}

	s.buffer = append(s.buffer, entry{
		frame:      frame,
		streamTSUs: streamTSUs,
		arrivalUs:  timing.ArrivalUs,
		decodeUs:   timing.DecodeUs,
		isKeyframe: isKeyframe,
	})
	s.totalEnqueued++
}

// Dequeue returns the frame due for display at now_ms, or (nil, false) if
// none is due yet (empty buffer, priming, or no frame with ts ≤ expected).
func (s *Scheduler) Dequeue(nowMs int64) (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 {
		return nil, false
	}

	nowUs := nowMs * 1000

	if s.bufferDelayUs == 0 {
		return s.dequeueBypass(nowUs)
	}

	bufferedMs := (s.buffer[len(s.buffer)-1].streamTSUs - s.buffer[0].streamTSUs) / 1000
	primeThresholdMs := s.cfg.BufferDelayMs / 2
	frameDurationMs := s.frameDurationUs / 1000
	if frameDurationMs < primeThresholdMs {
		primeThresholdMs = frameDurationMs
	}
	if bufferedMs < primeThresholdMs {
		return nil, false
	}

	if s.sync == nil {
		s.sync = &syncPoint{
			startRealUs:   nowUs,
			startStreamUs: s.buffer[0].streamTSUs + s.bufferDelayUs,
		}
		s.resyncPending = false
	}

	expected := s.sync.startStreamUs + (nowUs - s.sync.startRealUs) - s.bufferDelayUs

	idx := -1
	for i, e := range s.buffer {
		if e.streamTSUs <= expected {
			idx = i
		} else {
			break
		}
	}
	if idx < 0 {
		return nil, false
	}

	for i := 0; i < idx; i++ {
		dropped := s.buffer[0]
		s.buffer = s.buffer[1:]
		s.drop(dropped, DropSkip)
	}

	picked := s.buffer[0]
	s.buffer = s.buffer[1:]
	s.totalDequeued++

	s.recordLatency(picked, nowUs)
	s.trackDriftSample()
	s.maybeCorrectDrift()

	return picked.frame, true
}

func (s *Scheduler) dequeueBypass(nowUs int64) (Frame, bool) {
	last := s.buffer[len(s.buffer)-1]
	for i := 0; i < len(s.buffer)-1; i++ {
		s.drop(s.buffer[i], DropSkip)
	}
	s.buffer = nil
	s.totalDequeued++
	s.recordLatency(last, nowUs)
	return last.frame, true
}

func (s *Scheduler) recordLatency(e entry, nowUs int64) {
	decode := e.decodeUs - e.arrivalUs
	bufferWait := nowUs - e.decodeUs
	total := nowUs - e.arrivalUs

	s.decodeLatencySum += decode
	s.decodeLatencyN++
	s.bufferWaitSum += bufferWait
	s.bufferWaitN++
	s.totalLatencySum += total
	s.totalLatencyN++
}

func (s *Scheduler) trackDriftSample() {
	s.bufferSizeSamples = append(s.bufferSizeSamples, len(s.buffer))
	s.dequeuesSinceCheck++
}

func (s *Scheduler) maybeCorrectDrift() {
	if s.dequeuesSinceCheck < s.cfg.DriftCheckInterval {
		return
	}
	defer func() {
		s.bufferSizeSamples = nil
		s.dequeuesSinceCheck = 0
	}()

	if len(s.bufferSizeSamples) == 0 || s.sync == nil {
		return
	}

	sum := 0
	for _, v := range s.bufferSizeSamples {
		sum += v
	}
	avgSize := float64(sum) / float64(len(s.bufferSizeSamples))
	frameDurationMs := float64(s.frameDurationUs) / 1000
	avgBufferMs := avgSize * frameDurationMs
	drift := avgBufferMs - float64(s.cfg.BufferDelayMs)

	threshold := float64(s.cfg.DriftThresholdMs)
	if half := float64(s.cfg.BufferDelayMs) * 0.5; half < threshold {
		threshold = half
	}

	if drift > threshold || drift < -threshold {
		s.sync.startStreamUs += int64(drift * 1000)
		s.driftCorrections++
	}
}

// Clear drops every buffered frame with reason overflow and nulls the
// sync point.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.buffer {
		s.drop(e, DropOverflow)
	}
	s.buffer = nil
	s.sync = nil
	s.resyncPending = false
}

// SetBufferDelay changes the target buffer delay. Crossing the zero
// boundary (bypass on/off) invalidates the sync point and drift window.
func (s *Scheduler) SetBufferDelay(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasBypass := s.bufferDelayUs == 0
	isBypass := ms == 0

	s.cfg.BufferDelayMs = ms
	s.bufferDelayUs = ms * 1000

	if wasBypass != isBypass {
		s.sync = nil
		s.resyncPending = false
		s.bufferSizeSamples = nil
		s.dequeuesSinceCheck = 0
	}
}

// ResetStats zeros telemetry counters without touching buffered frames or
// the sync point.
func (s *Scheduler) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalEnqueued = 0
	s.totalDequeued = 0
	s.droppedOverflow = 0
	s.droppedSkip = 0
	s.driftCorrections = 0
	s.decodeLatencySum, s.decodeLatencyN = 0, 0
	s.bufferWaitSum, s.bufferWaitN = 0, 0
	s.totalLatencySum, s.totalLatencyN = 0, 0
	s.packetHistory = nil
	s.bufferSizeSamples = nil
	s.dequeuesSinceCheck = 0
}

// State reports the scheduler's coarse lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() State {
	if s.bufferDelayUs == 0 {
		return StateBypass
	}
	if len(s.buffer) == 0 {
		return StateEmpty
	}
	if s.sync == nil {
		if s.resyncPending {
			return StateOverflowResync
		}
		return StatePriming
	}
	return StateSteady
}

// Telemetry is a point-in-time snapshot of buffer occupancy, drop
// counters, and latency statistics, shaped for a /debug endpoint.
type Telemetry struct {
	State              string              `json:"state"`
	BufferedFrames     int                 `json:"buffered_frames"`
	BufferedMs         int64               `json:"buffered_ms"`
	TargetBufferMs     int64               `json:"target_buffer_ms"`
	FrameDurationUs    int64               `json:"frame_duration_us"`
	TotalEnqueued      int64               `json:"total_enqueued"`
	TotalDequeued      int64               `json:"total_dequeued"`
	DroppedOverflow    int64               `json:"dropped_overflow"`
	DroppedSkip        int64               `json:"dropped_skip"`
	DriftCorrections   int64               `json:"drift_corrections"`
	AvgDecodeMs        float64             `json:"avg_decode_ms"`
	AvgBufferWaitMs    float64             `json:"avg_buffer_wait_ms"`
	AvgTotalLatencyMs  float64             `json:"avg_total_latency_ms"`
	PacketHistory      []PacketTimingEntry `json:"packet_history"`
}

// Snapshot returns the current telemetry.
func (s *Scheduler) Snapshot() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bufferedMs int64
	if len(s.buffer) > 0 {
		bufferedMs = (s.buffer[len(s.buffer)-1].streamTSUs - s.buffer[0].streamTSUs) / 1000
	}

	history := make([]PacketTimingEntry, len(s.packetHistory))
	copy(history, s.packetHistory)

	return Telemetry{
		State:             s.stateLocked().String(),
		BufferedFrames:    len(s.buffer),
		BufferedMs:        bufferedMs,
		TargetBufferMs:    s.cfg.BufferDelayMs,
		FrameDurationUs:   s.frameDurationUs,
		TotalEnqueued:     s.totalEnqueued,
		TotalDequeued:     s.totalDequeued,
		DroppedOverflow:   s.droppedOverflow,
		DroppedSkip:       s.droppedSkip,
		DriftCorrections:  s.driftCorrections,
		AvgDecodeMs:       avgOf(s.decodeLatencySum, s.decodeLatencyN),
		AvgBufferWaitMs:   avgOf(s.bufferWaitSum, s.bufferWaitN),
		AvgTotalLatencyMs: avgOf(s.totalLatencySum, s.totalLatencyN),
		PacketHistory:     history,
	}
}

func avgOf(sum, n int64) float64 {
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

package stream

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/codesweep/codesweep/internal/events"
	"github.com/codesweep/codesweep/internal/types"
)

// ErrSessionActive is returned when StartAnalysis is called while a
// session is already running.
var ErrSessionActive = errors.New("streaming session already active")

// SessionState tracks the streamer lifecycle.
type SessionState string

const (
	// StateIdle means no session is running
	StateIdle SessionState = "idle"
	// StateRunning means a session is delivering messages
	StateRunning SessionState = "running"
)

// Subscriber receives stream messages. OnMessage must not block for long;
// it is called on the emitting goroutine. Flow-control calls
// (MarkDelivered, InFlight, State) are safe from inside OnMessage;
// emitting methods (StreamIssue, UpdateProgress, the terminal calls) are
// not and will deadlock.
type Subscriber interface {
	OnMessage(msg *Message)
}

// ErrorHandler is optionally implemented by subscribers that want terminal
// error notifications.
type ErrorHandler interface {
	OnError(err error)
}

// CompletionHandler is optionally implemented by subscribers that want a
// hook when a session completes.
type CompletionHandler interface {
	OnComplete()
}

// Config holds streaming analyzer configuration
type Config struct {
	// BatchSize caps issues per batch message. Default: 10
	BatchSize int `yaml:"batch_size"`
	// BatchInterval paces batch delivery. Default: 100ms
	BatchInterval time.Duration `yaml:"batch_interval"`
	// HeartbeatInterval paces unsolicited progress messages. Default: 1s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// HighWatermark is the in-flight count that trips backpressure. Default: 100
	HighWatermark int `yaml:"high_watermark"`
	// LowWatermark is the in-flight count that releases backpressure. Default: 25
	LowWatermark int `yaml:"low_watermark"`
	// EnablePrioritization routes issues through severity-ordered batching
	// instead of immediate per-issue broadcast
	EnablePrioritization bool `yaml:"enable_prioritization"`
	// MaxBatchesPerSecond rate-limits batch flushes; zero means unlimited.
	// Default: 20
	MaxBatchesPerSecond float64 `yaml:"max_batches_per_second"`
}

// DefaultConfig returns default streaming configuration
func DefaultConfig() *Config {
	return &Config{
		BatchSize:            10,
		BatchInterval:        100 * time.Millisecond,
		HeartbeatInterval:    time.Second,
		HighWatermark:        100,
		LowWatermark:         25,
		EnablePrioritization: true,
		MaxBatchesPerSecond:  20,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = def.BatchInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = def.HighWatermark
	}
	if c.LowWatermark <= 0 || c.LowWatermark >= c.HighWatermark {
		c.LowWatermark = c.HighWatermark / 4
	}
	if c.MaxBatchesPerSecond < 0 {
		c.MaxBatchesPerSecond = 0
	}
}

// progressState is the session's merged progress.
type progressState struct {
	phase          Phase
	filesProcessed int
	totalFiles     int
	currentFile    string
	issuesFound    int
}

func (p *progressState) snapshot() *ProgressSnapshot {
	return &ProgressSnapshot{
		Phase:          p.phase,
		FilesProcessed: p.filesProcessed,
		TotalFiles:     p.totalFiles,
		CurrentFile:    p.currentFile,
		IssuesFound:    p.issuesFound,
		OverallPercent: overallPercent(p.phase, p.filesProcessed, p.totalFiles),
	}
}

// subscriberRef pairs a subscriber with its registration id for logging.
type subscriberRef struct {
	id  int
	sub Subscriber
}

// StreamingAnalyzer delivers analysis results progressively: issues are
// severity-batched on a short timer, progress heartbeats keep subscribers
// informed during long phases, and a high/low watermark controller signals
// producers to slow down without dropping anything. One session runs at a
// time.
//
// Locking: emitMu serializes every delivering path from stamping through
// subscriber callback, which keeps sequence numbers aligned with delivery
// order. mu guards session state only and is never held across OnMessage,
// so subscribers may call flow-control methods reentrantly.
type StreamingAnalyzer struct {
	cfg     *Config
	logger  *slog.Logger
	bus     *events.Bus
	limiter *rate.Limiter

	emitMu sync.Mutex

	mu          sync.Mutex
	state       SessionState
	sessionID   string
	seq         uint64
	startedAt   time.Time
	queue       issueQueue
	inflight    int
	congested   bool
	progress    progressState
	subscribers map[int]Subscriber
	nextSubID   int
	stopCh      chan struct{}
}

// New creates a streaming analyzer. A nil config uses defaults; nil bus
// and logger disable their outputs.
func New(cfg *Config, bus *events.Bus, logger *slog.Logger) *StreamingAnalyzer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &StreamingAnalyzer{
		cfg:         cfg,
		logger:      logger,
		bus:         bus,
		state:       StateIdle,
		subscribers: make(map[int]Subscriber),
	}
	if cfg.MaxBatchesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBatchesPerSecond), 2)
	}
	return s
}

// Subscribe registers a subscriber and returns its unsubscribe function.
func (s *StreamingAnalyzer) Subscribe(sub Subscriber) (func(), error) {
	if sub == nil {
		return nil, errors.New("subscriber must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = sub
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}, nil
}

// StartAnalysis opens a session: resets the sequence counter, emits a
// started message, and begins batch and heartbeat timers. Returns the
// session ID.
func (s *StreamingAnalyzer) StartAnalysis(totalFiles int) (string, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return "", ErrSessionActive
	}
	s.state = StateRunning
	s.sessionID = uuid.New().String()
	s.seq = 0
	s.startedAt = time.Now()
	s.queue.reset()
	s.inflight = 0
	s.congested = false
	s.progress = progressState{phase: PhaseInitializing, totalFiles: totalFiles}
	s.stopCh = make(chan struct{})

	sessionID := s.sessionID
	stopCh := s.stopCh
	msg := &Message{Type: MessageTypeStarted, Progress: s.progress.snapshot()}
	s.stampLocked(msg)
	subs := s.subscriberSnapshot()
	s.mu.Unlock()

	s.broadcast(subs, msg)
	go s.sessionLoop(stopCh)
	return sessionID, nil
}

// sessionLoop drives batch flushes and heartbeats until the session ends.
func (s *StreamingAnalyzer) sessionLoop(stopCh chan struct{}) {
	flush := time.NewTicker(s.cfg.BatchInterval)
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer flush.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-flush.C:
			if s.limiter != nil && !s.limiter.Allow() {
				continue
			}
			s.flushBatch()
		case <-heartbeat.C:
			s.emitHeartbeat(stopCh)
		}
	}
}

// StreamIssue queues (or, with prioritization disabled, immediately
// broadcasts) one issue. The return value is the flow-control signal:
// false means the high watermark has been reached and the caller should
// slow down. The issue is never dropped either way.
func (s *StreamingAnalyzer) StreamIssue(issue types.Issue) bool {
	if !s.cfg.EnablePrioritization {
		return s.streamIssueImmediate(issue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return false
	}
	accepted := !s.congested
	s.progress.issuesFound++
	s.queue.push(issue)
	s.inflight++
	if s.inflight >= s.cfg.HighWatermark {
		s.congested = true
	}
	return accepted
}

// streamIssueImmediate broadcasts one issue message on the caller's
// goroutine, used when prioritization is off.
func (s *StreamingAnalyzer) streamIssueImmediate(issue types.Issue) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return false
	}
	accepted := !s.congested
	s.progress.issuesFound++
	clone := issue
	msg := &Message{Type: MessageTypeIssue, Issue: &clone}
	s.stampLocked(msg)
	subs := s.subscriberSnapshot()
	s.inflight++
	if s.inflight >= s.cfg.HighWatermark {
		s.congested = true
	}
	s.mu.Unlock()

	s.broadcast(subs, msg)
	return accepted
}

// StreamBatch queues a group of issues. Returns false when backpressure is
// active by the end of the batch.
func (s *StreamingAnalyzer) StreamBatch(issues []types.Issue) bool {
	ok := true
	for _, issue := range issues {
		if !s.StreamIssue(issue) {
			ok = false
		}
	}
	return ok
}

// MarkDelivered tells the flow controller that n messages reached their
// destination. Crossing down through the low watermark while congested
// fires a single drain event and resumes normal flow. Safe to call from
// inside OnMessage.
func (s *StreamingAnalyzer) MarkDelivered(n int) {
	var drained bool
	s.mu.Lock()
	s.inflight -= n
	if s.inflight < 0 {
		s.inflight = 0
	}
	if s.congested && s.inflight <= s.cfg.LowWatermark {
		s.congested = false
		drained = true
	}
	s.mu.Unlock()

	if drained {
		s.emitStreamEvent(events.EventTypeStreamDrain, events.SeverityInfo,
			fmt.Sprintf("backpressure released at %d in-flight", s.cfg.LowWatermark))
	}
}

// InFlight returns the approximate undelivered message count.
func (s *StreamingAnalyzer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// UpdateProgress merges the update's non-zero fields into the session
// progress and broadcasts a progress message.
func (s *StreamingAnalyzer) UpdateProgress(update ProgressUpdate) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	if update.Phase != "" {
		s.progress.phase = update.Phase
	}
	if update.FilesProcessed != 0 {
		s.progress.filesProcessed = update.FilesProcessed
	}
	if update.TotalFiles != 0 {
		s.progress.totalFiles = update.TotalFiles
	}
	if update.CurrentFile != "" {
		s.progress.currentFile = update.CurrentFile
	}
	if update.IssuesFound != 0 {
		s.progress.issuesFound = update.IssuesFound
	}
	msg := &Message{Type: MessageTypeProgress, Progress: s.progress.snapshot()}
	s.stampLocked(msg)
	subs := s.subscriberSnapshot()
	s.mu.Unlock()

	s.broadcast(subs, msg)
}

// StreamMetrics broadcasts an engine metrics snapshot to subscribers.
func (s *StreamingAnalyzer) StreamMetrics(metrics map[string]interface{}) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	msg := &Message{Type: MessageTypeMetrics, Metrics: metrics}
	s.stampLocked(msg)
	subs := s.subscriberSnapshot()
	s.mu.Unlock()

	s.broadcast(subs, msg)
}

// CompleteAnalysis flushes everything still queued as final batches, emits
// the terminal completed message, notifies completion hooks, and returns
// the streamer to idle. No-op when no session is running.
func (s *StreamingAnalyzer) CompleteAnalysis(summary *Summary) {
	s.emitMu.Lock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return
	}
	close(s.stopCh)

	var batches []*Message
	for s.queue.size() > 0 {
		batch := s.queue.drain(s.cfg.BatchSize)
		msg := &Message{Type: MessageTypeBatch, Issues: batch}
		s.stampLocked(msg)
		batches = append(batches, msg)
	}

	if summary == nil {
		summary = &Summary{}
	}
	if summary.Duration == 0 {
		summary.Duration = time.Since(s.startedAt)
	}
	if summary.IssuesFound == 0 {
		summary.IssuesFound = s.progress.issuesFound
	}
	final := &Message{Type: MessageTypeCompleted, Summary: summary}
	s.stampLocked(final)

	subs := s.subscriberSnapshot()
	s.resetSessionLocked()
	s.mu.Unlock()

	for _, msg := range batches {
		s.broadcast(subs, msg)
	}
	s.broadcast(subs, final)
	s.emitMu.Unlock()

	// Hooks run outside both locks so they may start a new session.
	for _, ref := range subs {
		if handler, ok := ref.sub.(CompletionHandler); ok {
			s.safeHook(func() { handler.OnComplete() })
		}
	}
}

// CancelAnalysis emits a terminal cancelled message and resets to idle.
// Idempotent no-op when no session is running.
func (s *StreamingAnalyzer) CancelAnalysis(reason string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.queue.reset()
	msg := &Message{Type: MessageTypeCancelled, Reason: reason}
	s.stampLocked(msg)
	subs := s.subscriberSnapshot()
	s.resetSessionLocked()
	s.mu.Unlock()

	s.broadcast(subs, msg)
}

// HandleError emits a terminal error message, notifies error hooks, and
// resets to idle. Idempotent no-op when no session is running.
func (s *StreamingAnalyzer) HandleError(err error) {
	s.emitMu.Lock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return
	}
	close(s.stopCh)
	s.queue.reset()
	msg := &Message{Type: MessageTypeError, Error: err.Error()}
	s.stampLocked(msg)
	subs := s.subscriberSnapshot()
	s.resetSessionLocked()
	s.mu.Unlock()

	s.broadcast(subs, msg)
	s.emitMu.Unlock()

	for _, ref := range subs {
		if handler, ok := ref.sub.(ErrorHandler); ok {
			s.safeHook(func() { handler.OnError(err) })
		}
	}
}

// State returns the current lifecycle state.
func (s *StreamingAnalyzer) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// flushBatch delivers one severity-ordered batch if anything is queued.
func (s *StreamingAnalyzer) flushBatch() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state != StateRunning || s.queue.size() == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.queue.drain(s.cfg.BatchSize)
	msg := &Message{Type: MessageTypeBatch, Issues: batch}
	s.stampLocked(msg)
	subs := s.subscriberSnapshot()
	s.mu.Unlock()

	s.broadcast(subs, msg)
}

// emitHeartbeat broadcasts the current progress even when nothing changed,
// so subscribers stay informed during long phases.
func (s *StreamingAnalyzer) emitHeartbeat(stopCh chan struct{}) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	// The session may have ended between the tick and the lock.
	select {
	case <-stopCh:
		s.mu.Unlock()
		return
	default:
	}
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	msg := &Message{Type: MessageTypeProgress, Progress: s.progress.snapshot()}
	s.stampLocked(msg)
	subs := s.subscriberSnapshot()
	s.mu.Unlock()

	s.broadcast(subs, msg)
}

// stampLocked assigns session, sequence, and timestamp. Caller holds both
// emitMu and s.mu; emitMu stays held through broadcast, which is what
// keeps sequence order and delivery order aligned.
func (s *StreamingAnalyzer) stampLocked(msg *Message) {
	s.seq++
	msg.SessionID = s.sessionID
	msg.SequenceNumber = s.seq
	msg.Timestamp = time.Now()
}

// broadcast invokes subscribers without holding s.mu, so OnMessage may
// call back into flow-control methods. One subscriber's panic is
// contained and reported without affecting delivery to the others.
func (s *StreamingAnalyzer) broadcast(subs []subscriberRef, msg *Message) {
	for _, ref := range subs {
		s.deliverOne(ref.id, ref.sub, msg)
	}
}

func (s *StreamingAnalyzer) deliverOne(id int, sub Subscriber, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("stream subscriber panicked", "subscriber", id, "error", r)
			s.emitStreamEvent(events.EventTypeSubscriberError, events.SeverityError,
				fmt.Sprintf("subscriber %d panicked: %v", id, r))
		}
	}()
	sub.OnMessage(msg)
}

// safeHook runs an optional subscriber hook with panic containment.
func (s *StreamingAnalyzer) safeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("stream subscriber hook panicked", "error", r)
		}
	}()
	fn()
}

// subscriberSnapshot copies the subscriber set under s.mu so broadcast can
// run after the lock is released.
func (s *StreamingAnalyzer) subscriberSnapshot() []subscriberRef {
	subs := make([]subscriberRef, 0, len(s.subscribers))
	for id, sub := range s.subscribers {
		subs = append(subs, subscriberRef{id: id, sub: sub})
	}
	return subs
}

func (s *StreamingAnalyzer) resetSessionLocked() {
	s.state = StateIdle
	s.inflight = 0
	s.congested = false
	s.queue.reset()
}

func (s *StreamingAnalyzer) emitStreamEvent(eventType events.EventType, severity events.EventSeverity, message string) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(events.NewEvent(eventType, severity, message))
}

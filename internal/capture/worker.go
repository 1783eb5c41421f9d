// Package capture runs the audio capture process, negotiates its sample
// format and feeds decoded mono samples into a ring buffer.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/ringbuffer"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Sentinel errors for capture operations.
var (
	ErrNoSupportedFormat = errors.New("no supported audio format")
	ErrAlreadyRunning    = errors.New("capture already running")
)

const (
	// DefaultNegotiationTimeout is how long a format attempt may go without data.
	DefaultNegotiationTimeout = 2 * time.Second
	// DefaultRetryDelay is the pause between format attempts.
	DefaultRetryDelay = 100 * time.Millisecond
	// readFrames is the number of frames requested per stdout read.
	readFrames = 4096
)

// State is the lifecycle state of a Worker.
type State string

const (
	StateStopped      State = "stopped"
	StateNegotiating  State = "negotiating"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateFailed       State = "failed"
)

// EventKind identifies a worker notification.
type EventKind string

const (
	// EventStarted is sent once per session when the first audio arrives.
	EventStarted EventKind = "started"
	// EventError is sent when the session cannot start.
	EventError EventKind = "error"
	// EventExit is sent when a running capture exits unexpectedly.
	EventExit EventKind = "exit"
)

// Event is a notification from the worker to its owner.
type Event struct {
	Kind      EventKind
	Format    audio.Format
	Message   string
	SessionID string
	Time      time.Time
}

// Config holds worker settings.
type Config struct {
	// Formats are the candidate formats, tried in order.
	Formats []audio.Format
	// Channels is the number of interleaved channels delivered by the source.
	Channels int
	// NegotiationTimeout defaults to DefaultNegotiationTimeout.
	NegotiationTimeout time.Duration
	// RetryDelay defaults to DefaultRetryDelay.
	RetryDelay time.Duration
}

// Worker owns one capture session at a time and writes decoded samples to
// a ring buffer. It is the buffer's only writer.
type Worker struct {
	source Source
	buffer ringbuffer.SampleWriter
	cfg    Config

	mu        sync.Mutex
	state     State
	format    audio.Format
	sessionID string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	suppress atomic.Bool
	// written counts the mono samples delivered by the current session.
	written atomic.Uint64
}

// NewWorker creates a stopped worker.
func NewWorker(source Source, buffer ringbuffer.SampleWriter, cfg Config) *Worker {
	if len(cfg.Formats) == 0 {
		cfg.Formats = audio.DefaultFormats
	}
	cfg.Channels = max(cfg.Channels, 1)
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Worker{source: source, buffer: buffer, cfg: cfg, state: StateStopped}
}

// Start launches a new capture session. The returned channel delivers the
// session's events and is closed when the session ends.
func (w *Worker) Start() (<-chan Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateStopped && w.state != StateFailed {
		return nil, ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 4)

	w.state = StateNegotiating
	w.format = ""
	w.sessionID = uuid.NewString()
	w.startedAt = time.Time{}
	w.cancel = cancel
	w.done = make(chan struct{})
	w.suppress.Store(false)
	w.written.Store(0)

	go w.run(ctx, w.sessionID, events, w.done)

	return events, nil
}

// Shutdown stops the current session and waits for it to end. No events are
// delivered after Shutdown is called. It is safe to call more than once.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	cancel := w.cancel
	if done == nil {
		w.mu.Unlock()
		return nil
	}
	w.suppress.Store(true)
	select {
	case <-done:
	default:
		w.state = StateShuttingDown
	}
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("capture shutdown: %w", ctx.Err())
	}

	w.mu.Lock()
	if w.done == done {
		w.state = StateStopped
		w.done = nil
		w.cancel = nil
	}
	w.mu.Unlock()
	return nil
}

// State returns the current worker state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Format returns the negotiated format of the current session, if any.
func (w *Worker) Format() audio.Format {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.format
}

// SessionID returns the identifier of the current or last session.
func (w *Worker) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// StartedAt returns when audio first arrived in the current session.
func (w *Worker) StartedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startedAt
}

// SessionSamples returns how many samples the current session has written
// to the buffer. It is reset by Start, so audio of an earlier session is
// never counted.
func (w *Worker) SessionSamples() uint64 {
	return w.written.Load()
}

// outcome is the result of one format attempt.
type outcome int

const (
	outcomeNextFormat outcome = iota // format not usable, try the next one
	outcomeShutdown                  // shutdown requested
	outcomeExited                    // running capture exited
	outcomeSpawnFailed               // process could not be started
)

// run drives one session through format negotiation and supervision.
func (w *Worker) run(ctx context.Context, sessionID string, events chan<- Event, done chan struct{}) {
	defer close(done)
	defer close(events)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in capture session", "session", sessionID, "panic", r)
			w.finish(StateFailed)
			w.emit(events, Event{Kind: EventError, Message: fmt.Sprint("capture panic: ", r), SessionID: sessionID})
		}
	}()

	for i, f := range w.cfg.Formats {
		if i > 0 {
			select {
			case <-ctx.Done():
				w.finish(StateStopped)
				return
			case <-time.After(w.cfg.RetryDelay):
			}
		}

		result, message := w.attempt(ctx, sessionID, f, events)
		switch result {
		case outcomeNextFormat:
			slog.Warn("audio format not usable, trying next", "format", f, "reason", message, "session", sessionID)
			continue
		case outcomeShutdown:
			w.finish(StateStopped)
			return
		case outcomeExited:
			slog.Error("audio capture exited unexpectedly", "format", f, "error", message, "session", sessionID)
			w.finish(StateFailed)
			w.emit(events, Event{Kind: EventExit, Format: f, Message: message, SessionID: sessionID})
			return
		case outcomeSpawnFailed:
			slog.Error("failed to start audio capture", "format", f, "error", message, "session", sessionID)
			w.finish(StateFailed)
			w.emit(events, Event{Kind: EventError, Format: f, Message: message, SessionID: sessionID})
			return
		}
	}

	if ctx.Err() != nil {
		w.finish(StateStopped)
		return
	}
	slog.Error("no supported audio format", "formats", w.cfg.Formats, "session", sessionID)
	w.finish(StateFailed)
	w.emit(events, Event{Kind: EventError, Message: ErrNoSupportedFormat.Error(), SessionID: sessionID})
}

// attempt runs the capture process with format f until it fails
// negotiation, exits or is shut down.
func (w *Worker) attempt(ctx context.Context, sessionID string, f audio.Format, events chan<- Event) (outcome, string) {
	stream, err := w.source.Start(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeShutdown, ""
		}
		return outcomeSpawnFailed, err.Error()
	}

	s := &session{
		worker:      w,
		format:      f,
		frameBytes:  f.FrameBytes(w.cfg.Channels),
		firstData:   make(chan struct{}),
		unsupported: make(chan struct{}),
	}
	exited := make(chan error, 1)

	var pumps sync.WaitGroup
	pumps.Go(func() { s.pumpStdout(stream.Stdout()) })
	pumps.Go(func() { s.scanStderr(stream.Stderr()) })
	go func() {
		pumps.Wait()
		exited <- stream.Wait()
	}()

	terminate := func() {
		if err := stream.Terminate(); err != nil {
			slog.Warn("failed to terminate capture", "error", err)
		}
		<-exited
	}

	timer := time.NewTimer(w.cfg.NegotiationTimeout)
	defer timer.Stop()

	select {
	case <-s.firstData:
	case <-s.unsupported:
		terminate()
		return outcomeNextFormat, s.lastLine()
	case err := <-exited:
		if err == nil {
			// A clean exit is not a format rejection.
			return outcomeExited, exitMessage(nil, s.lastLine(), "exited before delivering audio")
		}
		return outcomeNextFormat, exitMessage(err, s.lastLine(), "exited before delivering audio")
	case <-timer.C:
		terminate()
		return outcomeNextFormat, "no audio within " + w.cfg.NegotiationTimeout.String()
	case <-ctx.Done():
		terminate()
		return outcomeShutdown, ""
	}

	w.mu.Lock()
	if ctx.Err() == nil {
		w.state = StateRunning
		w.format = f
		w.startedAt = time.Now()
	}
	w.mu.Unlock()
	slog.Info("audio capture started", "format", f, "session", sessionID)
	w.emit(events, Event{Kind: EventStarted, Format: f, SessionID: sessionID})

	select {
	case err := <-exited:
		if ctx.Err() != nil {
			return outcomeShutdown, ""
		}
		return outcomeExited, exitMessage(err, s.lastLine(), "capture stream ended")
	case <-ctx.Done():
		terminate()
		return outcomeShutdown, ""
	}
}

// finish records the terminal state of a session unless a shutdown is in
// progress, in which case Shutdown sets the final state.
func (w *Worker) finish(state State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.suppress.Load() {
		w.state = state
	}
}

func (w *Worker) emit(events chan<- Event, ev Event) {
	if w.suppress.Load() {
		return
	}
	ev.Time = time.Now()
	select {
	case events <- ev:
	default:
		slog.Warn("capture event dropped", "kind", ev.Kind, "session", ev.SessionID)
	}
}

func exitMessage(err error, stderrLine, fallback string) string {
	switch {
	case stderrLine != "" && err != nil:
		return err.Error() + ": " + stderrLine
	case stderrLine != "":
		return stderrLine
	case err != nil:
		return err.Error()
	default:
		return fallback
	}
}

// session holds the per-attempt state shared by the stdout and stderr pumps.
type session struct {
	worker     *Worker
	format     audio.Format
	frameBytes int

	firstOnce   sync.Once
	firstData   chan struct{}
	unsupOnce   sync.Once
	unsupported chan struct{}

	mu   sync.Mutex
	last string
}

// pumpStdout decodes whole frames into the ring buffer, carrying partial
// frames over to the next read.
func (s *session) pumpStdout(r io.Reader) {
	channels := s.worker.cfg.Channels
	buf := make([]byte, s.frameBytes*readFrames)
	carry := 0
	samples := make([]float32, 0, readFrames*channels)

	for {
		n, err := r.Read(buf[carry:])
		if n > 0 {
			total := carry + n
			whole := total - total%s.frameBytes
			if whole > 0 {
				samples = audio.DecodeInto(samples[:0], buf[:whole], s.format)
				mono := audio.Downmix(samples, channels)
				s.firstOnce.Do(func() {
					s.worker.buffer.MarkHealthy()
					close(s.firstData)
				})
				s.worker.buffer.Write(mono)
				s.worker.written.Add(uint64(len(mono)))
			}
			carry = copy(buf, buf[whole:total])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				slog.Debug("capture stdout closed", "error", err)
			}
			return
		}
	}
}

// scanStderr classifies diagnostic lines.
func (s *session) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := util.TruncateLine(scanner.Text())
		if line == "" {
			continue
		}
		s.mu.Lock()
		s.last = line
		s.mu.Unlock()

		running := s.isRunning()
		switch {
		case audio.IsOverrunLine(line):
			s.worker.buffer.RecordOverrun()
			slog.Warn("audio capture overrun", "line", line)
		case audio.IsUnsupportedFormatLine(line):
			slog.Debug("audio format rejected", "format", s.format, "line", line)
			s.unsupOnce.Do(func() { close(s.unsupported) })
		case !running || audio.IsFormatDiagnostic(line):
			slog.Debug("capture negotiation output", "format", s.format, "line", line)
		default:
			slog.Warn("capture stderr", "line", line)
		}
	}
	// Drain so the process never blocks on a full stderr pipe.
	_, _ = io.Copy(io.Discard, r) //nolint:errcheck // Nothing left to report
}

func (s *session) isRunning() bool {
	select {
	case <-s.firstData:
		return true
	default:
		return false
	}
}

func (s *session) lastLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

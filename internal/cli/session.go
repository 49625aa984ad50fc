package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Paintersrp/jobvisor/internal/api"
	apihttp "github.com/Paintersrp/jobvisor/internal/api/http"
	"github.com/Paintersrp/jobvisor/internal/cliutil"
	"github.com/Paintersrp/jobvisor/internal/config"
	"github.com/Paintersrp/jobvisor/internal/engine"
	"github.com/Paintersrp/jobvisor/internal/logmux"
	"github.com/Paintersrp/jobvisor/internal/metrics"
)

const (
	eventBuffer     = 1024
	historySize     = 50
	shutdownTimeout = 30 * time.Second
	apiReadyDelay   = 200 * time.Millisecond
)

var newAPIServer = apihttp.NewServer

// session is one running supervisor together with its event plumbing.
type session struct {
	sup     *engine.Supervisor
	store   *config.Store
	history *api.History
	logger  *slog.Logger
	stream  *eventStream
	redact  *cliutil.Redactor

	events chan engine.Event
	logs   <-chan engine.Event
	pumped chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// openSession builds a supervisor for the jobs file and loads every job
// from it. Logs and lifecycle messages go to w.
func (c *context) openSession(ctx stdcontext.Context, w io.Writer) (*session, error) {
	logger, err := c.newLogger(w)
	if err != nil {
		return nil, err
	}

	store := config.NewStore(c.file)
	events := make(chan engine.Event, eventBuffer)
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithEvents(events),
		engine.WithStore(store),
	}
	if c.scaleAll {
		opts = append(opts, engine.WithScaleAllGroups())
	}

	s := &session{
		sup:     engine.NewSupervisor(c.processRuntime(), opts...),
		store:   store,
		history: api.NewHistory(historySize),
		logger:  logger,
		stream:  newEventStream(eventBuffer),
		redact:  cliutil.NewRedactor(nil),
		events:  events,
		pumped:  make(chan struct{}),
	}
	s.logs = s.trackEvents(eventBuffer)

	if err := s.sup.Reload(ctx); err != nil {
		s.discardLogs()
		_ = s.Close()
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	return s, nil
}

// trackEvents consumes supervisor events, keeping metrics and history
// current, and returns the muxed stream of process output.
func (s *session) trackEvents(buffer int) <-chan engine.Event {
	logMux := logmux.New(buffer, logmux.WithDropHook(metrics.RecordLogDrop))
	logInput := make(chan engine.Event, buffer)
	logMux.Add(logInput)

	go func() {
		defer close(s.pumped)
		defer s.stream.Close()
		defer func() {
			close(logInput)
			logMux.Close()
		}()

		for evt := range s.events {
			metrics.Observe(evt)
			s.history.Apply(evt)
			switch evt.Type {
			case engine.EventTypeLog:
				logInput <- evt
			case engine.EventTypeScaled, engine.EventTypeUpdated, engine.EventTypeReloaded:
				status := s.sup.Status()
				metrics.ObserveStatus(status)
				s.redact.Track(status)
			}
			s.stream.Publish(evt)
		}
	}()

	return logMux.Output()
}

// printLogs writes process output to w until the session closes. The
// returned channel is closed once every line has been written.
func (s *session) printLogs(w io.Writer, asJSON bool) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var enc *json.Encoder
		if asJSON {
			enc = json.NewEncoder(w)
		}
		for evt := range s.logs {
			if enc != nil {
				cliutil.EncodeLogEvent(enc, w, evt, s.redact)
				continue
			}
			fmt.Fprintln(w, cliutil.FormatLogLine(evt, s.redact))
		}
	}()
	return done
}

// discardLogs drains process output without printing it.
func (s *session) discardLogs() {
	go func() {
		for range s.logs {
		}
	}()
}

// Close stops every job and releases the event pipeline.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), shutdownTimeout)
		defer cancel()
		s.closeErr = s.sup.Shutdown(ctx)
		close(s.events)
		<-s.pumped
	})
	return s.closeErr
}

// startAPI serves the control API until the returned stop function is
// called or ctx ends.
func (s *session) startAPI(ctx stdcontext.Context, addr string, out io.Writer) (func() error, error) {
	server, err := newAPIServer(apihttp.Config{
		Addr:       addr,
		Controller: s.sup,
		History:    s.history,
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}
	serverCtx, cancel := stdcontext.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(serverCtx)
	}()

	readyTimer := time.NewTimer(apiReadyDelay)
	defer readyTimer.Stop()
	select {
	case err := <-errCh:
		cancel()
		return nil, err
	case <-readyTimer.C:
	case <-ctx.Done():
		cancel()
		err := <-errCh
		if err != nil && !errors.Is(err, stdcontext.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return nil, err
		}
		return nil, ctx.Err()
	}
	fmt.Fprintf(out, "Control API listening on %s\n", server.Addr())

	return func() error {
		cancel()
		err := <-errCh
		if err != nil && !errors.Is(err, stdcontext.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, nil
}

// eventStream fans supervisor events out to late subscribers such as the
// dashboard. Recent log events are replayed to new subscribers.
type eventStream struct {
	mu       sync.Mutex
	closed   bool
	subs     map[chan engine.Event]struct{}
	backlog  []engine.Event
	capacity int
}

func newEventStream(capacity int) *eventStream {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventStream{
		subs:     make(map[chan engine.Event]struct{}),
		capacity: capacity,
	}
}

func (s *eventStream) Subscribe(buffer int) (<-chan engine.Event, func(), bool) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan engine.Event, buffer)

	s.mu.Lock()
	if s.closed {
		close(ch)
		s.mu.Unlock()
		return ch, func() {}, false
	}
	backlog := append([]engine.Event(nil), s.backlog...)
	s.subs[ch] = struct{}{}

	// Replay under the lock so the backlog precedes live events.
	for _, evt := range backlog {
		select {
		case ch <- evt:
		default:
		}
	}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.subs != nil {
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		}
		s.mu.Unlock()
	}

	return ch, release, true
}

func (s *eventStream) Publish(evt engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if evt.Type == engine.EventTypeLog {
		s.backlog = append(s.backlog, evt)
		if len(s.backlog) > s.capacity {
			s.backlog = s.backlog[len(s.backlog)-s.capacity:]
		}
	}
	for ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (s *eventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.backlog = nil
}

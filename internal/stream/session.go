package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/zulandar/turntable/internal/config"
	"github.com/zulandar/turntable/internal/coord"
	"github.com/zulandar/turntable/internal/models"
	"github.com/zulandar/turntable/internal/runlog"
)

// NoResume is the LastSeq value for a client that has seen nothing.
const NoResume int64 = -1

// ParseResumeToken interprets the client's last-seen-sequence token, trying
// each candidate in order (header first, then query parameter). A missing or
// malformed token means "start from the beginning" — never an error.
func ParseResumeToken(candidates ...string) int64 {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		seq, err := strconv.ParseInt(c, 10, 64)
		if err != nil || seq < 0 {
			return NoResume
		}
		return seq
	}
	return NoResume
}

// Session streams one run to one client connection. It replays missed
// events from the durable log, transitions to live tailing, heartbeats idle
// connections, and closes itself on the terminal marker, client disconnect,
// or queue overflow. A client that reconnects with its last sequence number
// resumes seamlessly in a fresh Session.
type Session struct {
	log       *runlog.Log
	broker    *coord.Broker
	queue     *Queue
	runID     string
	lastSeq   int64
	pageSize  int
	heartbeat time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// drainNotifier is implemented by transports that signal when their backlog
// empties, so queued messages can be flushed.
type drainNotifier interface {
	OnDrain(func())
}

// SessionOpts holds parameters for creating a Session.
type SessionOpts struct {
	Log       *runlog.Log
	Broker    *coord.Broker
	Transport Transport
	RunID     string
	// LastSeq is the client's resume position; NoResume for a fresh client.
	LastSeq int64
	Config  config.StreamConfig
}

// NewSession creates a Session.
func NewSession(opts SessionOpts) (*Session, error) {
	if opts.Log == nil {
		return nil, fmt.Errorf("stream: session: log is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("stream: session: broker is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("stream: session: transport is required")
	}
	if opts.RunID == "" {
		return nil, fmt.Errorf("stream: session: run id is required")
	}

	s := &Session{
		log:       opts.Log,
		broker:    opts.Broker,
		runID:     opts.RunID,
		lastSeq:   opts.LastSeq,
		pageSize:  opts.Config.ReplayPageSize,
		heartbeat: time.Duration(opts.Config.HeartbeatSec) * time.Second,
		closed:    make(chan struct{}),
	}
	if s.pageSize <= 0 {
		s.pageSize = 500
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 15 * time.Second
	}
	s.queue = NewQueue(opts.Transport, opts.Config.QueueMaxBytes, opts.Config.QueueMaxMessages, s.Close)
	if dn, ok := opts.Transport.(drainNotifier); ok {
		dn.OnDrain(func() {
			if err := s.queue.Drain(); err != nil {
				log.Printf("stream: drain queue for %s: %v", s.runID, err)
				s.Close()
			}
		})
	}
	return s, nil
}

// Close tears the session down: queue, transport, timers. Safe to call more
// than once, from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.queue.Close(); err != nil {
			log.Printf("stream: close session for %s: %v", s.runID, err)
		}
	})
}

// Run drives the session until the run completes, the client disconnects,
// or the client is shed for being slow. It always leaves the session closed.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	// Subscribe before replaying so nothing published mid-replay is lost;
	// the subscription buffers envelopes until the backlog is drained.
	sub := s.broker.Subscribe(s.runID)
	defer sub.Close()

	terminal, err := s.replay(ctx)
	if err != nil {
		return err
	}
	if !terminal {
		terminal, err = s.flushBuffered(sub)
		if err != nil {
			return err
		}
	}
	if !terminal {
		// The terminal marker may have been appended before this session
		// subscribed and lost its broadcast; the run row is authoritative.
		run, err := s.log.GetRun(ctx, s.runID)
		if err != nil {
			return err
		}
		terminal = run.Terminal()
	}
	if terminal {
		return s.finish()
	}
	return s.live(ctx, sub)
}

// replay pages through the durable log, emitting everything past the resume
// position in sequence order. Returns once a short page signals no backlog.
func (s *Session) replay(ctx context.Context) (bool, error) {
	for {
		events, err := s.log.ListAfter(ctx, s.runID, s.lastSeq, s.pageSize)
		if err != nil {
			return false, err
		}
		for _, e := range events {
			if err := s.emitStored(e); err != nil {
				return false, err
			}
			s.lastSeq = e.Seq
			if e.Type == string(runlog.EventSessionComplete) {
				return true, nil
			}
		}
		if len(events) < s.pageSize {
			return false, nil
		}
	}
}

// flushBuffered drains envelopes that arrived during replay, skipping any
// the replay already delivered.
func (s *Session) flushBuffered(sub *coord.Subscription) (bool, error) {
	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return false, nil
			}
			if env.Seq <= s.lastSeq {
				continue
			}
			if err := s.emitLive(env); err != nil {
				return false, err
			}
			if env.Type == string(runlog.EventSessionComplete) {
				return true, nil
			}
		default:
			return false, nil
		}
	}
}

// live tails the broadcast channel, heartbeating to defeat idle-connection
// timeouts.
func (s *Session) live(ctx context.Context, sub *coord.Subscription) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case <-ticker.C:
			if err := s.queue.Send(Message{Comment: true, Data: []byte("heartbeat")}); err != nil {
				return err
			}
			// The terminal marker append is best-effort; the run row is
			// authoritative, so re-check it on the heartbeat tick rather
			// than tail a finished run forever.
			run, err := s.log.GetRun(ctx, s.runID)
			if err != nil {
				return err
			}
			if run.Terminal() {
				return s.finish()
			}
		case env, ok := <-sub.C:
			if !ok {
				// Dropped by the broker for lagging; the client will
				// reconnect and resume from its last sequence.
				return nil
			}
			if env.Seq <= s.lastSeq {
				continue
			}
			if err := s.emitLive(env); err != nil {
				return err
			}
			if env.Type == string(runlog.EventSessionComplete) {
				return s.finish()
			}
		}
	}
}

// finish sends the closing marker. The marker goes through the same bounded
// queue as everything else; if the connection cannot absorb it the deferred
// Close still force-closes the transport.
func (s *Session) finish() error {
	return s.queue.Send(Message{Event: "done", Data: []byte("{}")})
}

func (s *Session) emitStored(e models.RunEvent) error {
	return s.queue.Send(Message{
		ID:    strconv.FormatInt(e.Seq, 10),
		Event: e.Type,
		Data:  []byte(e.Payload),
	})
}

func (s *Session) emitLive(env coord.Envelope) error {
	data := env.Payload
	if data == nil {
		data = json.RawMessage("{}")
	}
	if err := s.queue.Send(Message{
		ID:    strconv.FormatInt(env.Seq, 10),
		Event: env.Type,
		Data:  data,
	}); err != nil {
		return err
	}
	s.lastSeq = env.Seq
	return nil
}

package ltx

// Session implements the client side of the LTX wire protocol: a
// dedicated reader task that polls the server's stdout fd, decodes
// frames, and dispatches each to the in-flight request that is waiting
// for it (spec §4.2.3 "Session semantics"). Ordering follows the
// server's per-slot reply ordering; the client never reorders.

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
	"github.com/linux-test-project/runltp-ng-sub000/internal/log"
	"github.com/linux-test-project/runltp-ng-sub000/internal/metrics"
)

var ltxHost, _ = os.Hostname()

// slotTable tracks which of the MaxSlots command slots are occupied.
// Reservation always returns the smallest free id, and a slot is held by
// at most one in-flight request at a time (spec §3 invariants).
type slotTable struct {
	mu   sync.Mutex
	used [MaxSlots]bool
	live int
}

func (t *slotTable) reserve() (slot int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < MaxSlots; i++ {
		if !t.used[i] {
			t.used[i] = true
			t.live++
			metrics.LTXSlotsLive.WithLabelValues(ltxHost).Set(float64(t.live))
			return i, true
		}
	}
	return 0, false
}

func (t *slotTable) release(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot >= 0 && slot < MaxSlots && t.used[slot] {
		t.used[slot] = false
		t.live--
		metrics.LTXSlotsLive.WithLabelValues(ltxHost).Set(float64(t.live))
	}
}

// Result is the decoded RESULT frame for one EXEC (spec §4.2.3 table).
type Result struct {
	Slot     int
	TimeNs   int64
	SiCode   int64
	SiStatus int64
}

// execRequest is the per-slot pending state for one EXEC: it accumulates
// LOG chunks and signals exactly once when a RESULT (or a session-level
// error) arrives.
type execRequest struct {
	slot   int
	sink   io.Writer
	done   chan struct{}
	result Result
	err    kv.Error
	once   sync.Once
	// sinkErr latches the first kv.Error the sink returned for a LOG
	// chunk (a PanicSink's KernelPanic error); Exec reports it in place
	// of a clean result.
	sinkErr kv.Error
}

func (r *execRequest) complete(result Result, err kv.Error) {
	r.once.Do(func() {
		r.result = result
		r.err = err
		close(r.done)
	})
}

// genericRequest is the FIFO-ordered pending state for slot-less
// exchanges (VERSION, PING, GET_FILE, SET_FILE, broadcast ENV/CWD).
type genericRequest struct {
	kind string
	id   xid.ID
	done chan struct{}
	data []byte
	str  string
	ts   int64
	err  kv.Error
	once sync.Once
}

func (g *genericRequest) complete(err kv.Error) {
	g.once.Do(func() {
		g.err = err
		close(g.done)
	})
}

// Session is one live LTX connection.
type Session struct {
	stdin  io.Writer
	dec    *Decoder
	slots  slotTable
	log    *log.Logger

	mu       sync.Mutex
	execByID [MaxSlots]*execRequest
	generic  []*genericRequest

	closed   chan struct{}
	closeErr kv.Error
}

// NewSession starts the reader loop over stdin (to the server) and
// stdout (from the server).
func NewSession(stdin io.Writer, stdout io.Reader) *Session {
	s := &Session{
		stdin:  stdin,
		dec:    NewDecoder(stdout),
		log:    log.NewLogger("sut/ltx"),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	for {
		frame, err := s.dec.Next()
		if err != nil {
			s.failAll(runnerErrors.Wrap(runnerErrors.Transport, err).
				With("stack", stack.Trace().TrimRuntime()))
			return
		}
		s.dispatch(frame)
	}
}

func (s *Session) dispatch(frame Frame) {
	switch frame.Type {
	case MsgResult:
		slotN, _ := ArgInt64(frame.Args, 0)
		timeNs, _ := ArgInt64(frame.Args, 1)
		siCode, _ := ArgInt64(frame.Args, 2)
		siStatus, _ := ArgInt64(frame.Args, 3)

		s.mu.Lock()
		req := s.execByID[slotN]
		s.execByID[slotN] = nil
		s.mu.Unlock()

		if req != nil {
			req.complete(Result{Slot: int(slotN), TimeNs: timeNs, SiCode: siCode, SiStatus: siStatus}, nil)
		}

	case MsgLog:
		slotN, ok := ArgInt64(frame.Args, 0)
		chunk, _ := ArgBytes(frame.Args, 2)
		if !ok {
			return
		}
		s.mu.Lock()
		req := s.execByID[slotN]
		s.mu.Unlock()
		if req != nil && req.sink != nil {
			if _, werr := req.sink.Write(chunk); werr != nil && req.sinkErr == nil {
				if kvErr, ok := werr.(kv.Error); ok {
					req.sinkErr = kvErr
				}
			}
			return
		}
		// A LOG with no matching slot is the VERSION handshake reply
		// (spec §4.2.3: "reply carries version string in a LOG"); it is
		// delivered to the oldest pending generic request instead.
		if g := s.popGeneric("version"); g != nil {
			g.str = string(chunk)
			g.complete(nil)
		}

	case MsgPong:
		ts, _ := ArgInt64(frame.Args, 0)
		if g := s.popGeneric("ping"); g != nil {
			g.ts = ts
			g.complete(nil)
		}

	case MsgData:
		raw, _ := ArgBytes(frame.Args, 0)
		if g := s.frontGeneric("get_file"); g != nil {
			g.data = append(g.data, raw...)
		}

	case MsgGetFile:
		if g := s.popGeneric("get_file"); g != nil {
			g.complete(nil)
		}

	case MsgSetFile:
		if g := s.popGeneric("set_file"); g != nil {
			g.complete(nil)
		}

	case MsgEnv:
		if g := s.popGeneric("env"); g != nil {
			g.complete(nil)
		}

	case MsgCwd:
		if g := s.popGeneric("cwd"); g != nil {
			g.complete(nil)
		}

	case MsgVersion:
		// The handshake echo. Version() completes on the LOG that carries
		// the version string, not on this echo, and no request of kind
		// "version_echo" is ever queued, so the echo is effectively ignored.
		if g := s.popGeneric("version_echo"); g != nil {
			g.complete(nil)
		}

	case MsgError:
		msg, _ := ArgString(frame.Args, 0)
		err := runnerErrors.New(runnerErrors.Transport, "LTX server error: "+msg)
		s.failAll(err)
	}
}

func (s *Session) pushGeneric(kind string) *genericRequest {
	g := &genericRequest{kind: kind, id: xid.New(), done: make(chan struct{})}
	s.mu.Lock()
	s.generic = append(s.generic, g)
	s.mu.Unlock()
	return g
}

// popGeneric removes and returns the oldest pending request of kind, per
// the "dispatched to requests in server-reply order" rule of spec
// §4.2.3.
func (s *Session) popGeneric(kind string) *genericRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, g := range s.generic {
		if g.kind == kind {
			s.generic = append(s.generic[:i], s.generic[i+1:]...)
			return g
		}
	}
	return nil
}

func (s *Session) frontGeneric(kind string) *genericRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.generic {
		if g.kind == kind {
			return g
		}
	}
	return nil
}

func (s *Session) failAll(err kv.Error) {
	s.mu.Lock()
	s.closeErr = err
	execs := append([]*execRequest{}, s.execByID[:]...)
	generics := append([]*genericRequest{}, s.generic...)
	s.generic = nil
	s.mu.Unlock()

	for _, e := range execs {
		if e != nil {
			e.complete(Result{}, err)
		}
	}
	for _, g := range generics {
		g.complete(err)
	}

	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// Exec reserves a slot, sends EXEC, and blocks until a RESULT arrives (or
// ctx is cancelled), streaming LOG chunks to sink as they arrive.
func (s *Session) Exec(ctx context.Context, argv []string, sink io.Writer) (result Result, err kv.Error) {
	slot, ok := s.slots.reserve()
	if !ok {
		return result, runnerErrors.New(runnerErrors.Transport, "no free LTX slot")
	}
	defer s.slots.release(slot)

	req := &execRequest{slot: slot, sink: sink, done: make(chan struct{})}
	s.mu.Lock()
	s.execByID[slot] = req
	s.mu.Unlock()

	args := make([]interface{}, 0, len(argv)+1)
	args = append(args, int64(slot))
	for _, a := range argv {
		args = append(args, a)
	}
	if errK := (Frame{Type: MsgExec, Args: args}).Encode(s.stdin); errK != nil {
		s.mu.Lock()
		s.execByID[slot] = nil
		s.mu.Unlock()
		return result, errK
	}

	select {
	case <-req.done:
		if req.err == nil && req.sinkErr != nil {
			return req.result, req.sinkErr
		}
		return req.result, req.err
	case <-ctx.Done():
		_ = s.Kill(context.Background(), slot)
		return result, runnerErrors.Wrap(runnerErrors.CommandTimeout, ctx.Err())
	case <-s.closed:
		return result, s.closeErr
	}
}

// KillTimeout bounds how long Close waits for the RESULT of each slot it
// KILLs (360s default).
const KillTimeout = 360 * time.Second

// Kill sends KILL for the command occupying slot and returns as soon as
// the frame is written; it does not wait for the command's RESULT.
func (s *Session) Kill(ctx context.Context, slot int) (err kv.Error) {
	if errK := (Frame{Type: MsgKill, Args: []interface{}{int64(slot)}}).Encode(s.stdin); errK != nil {
		return errK
	}
	return nil
}

// Ping sends PING and waits for PONG, returning the server's monotonic
// timestamp.
func (s *Session) Ping(ctx context.Context) (timestampNs int64, err kv.Error) {
	g := s.pushGeneric("ping")
	if errK := (Frame{Type: MsgPing}).Encode(s.stdin); errK != nil {
		return 0, errK
	}
	select {
	case <-g.done:
		if g.err != nil {
			return 0, g.err
		}
		return g.ts, nil
	case <-ctx.Done():
		return 0, runnerErrors.Wrap(runnerErrors.Transport, ctx.Err())
	case <-s.closed:
		return 0, s.closeErr
	}
}

// Version requests the server's version string via a VERSION/LOG
// exchange.
func (s *Session) Version(ctx context.Context) (version string, err kv.Error) {
	g := s.pushGeneric("version")
	if errK := (Frame{Type: MsgVersion}).Encode(s.stdin); errK != nil {
		return "", errK
	}
	select {
	case <-g.done:
		return g.str, g.err
	case <-ctx.Done():
		return "", runnerErrors.Wrap(runnerErrors.Transport, ctx.Err())
	case <-s.closed:
		return "", s.closeErr
	}
}

// SetEnv sends ENV for slot (or SlotBroadcast for all slots).
func (s *Session) SetEnv(ctx context.Context, slot int, key, value string) (err kv.Error) {
	g := s.pushGeneric("env")
	if errK := (Frame{Type: MsgEnv, Args: []interface{}{int64(slot), key, value}}).Encode(s.stdin); errK != nil {
		return errK
	}
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return runnerErrors.Wrap(runnerErrors.Transport, ctx.Err())
	case <-s.closed:
		return s.closeErr
	}
}

// SetCwd sends CWD for slot (or SlotBroadcast for all slots).
func (s *Session) SetCwd(ctx context.Context, slot int, path string) (err kv.Error) {
	g := s.pushGeneric("cwd")
	if errK := (Frame{Type: MsgCwd, Args: []interface{}{int64(slot), path}}).Encode(s.stdin); errK != nil {
		return errK
	}
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return runnerErrors.Wrap(runnerErrors.Transport, ctx.Err())
	case <-s.closed:
		return s.closeErr
	}
}

// GetFile streams a remote file's bytes via GET_FILE/DATA frames.
func (s *Session) GetFile(ctx context.Context, path string) (data []byte, err kv.Error) {
	g := s.pushGeneric("get_file")
	if errK := (Frame{Type: MsgGetFile, Args: []interface{}{path}}).Encode(s.stdin); errK != nil {
		return nil, errK
	}
	select {
	case <-g.done:
		return g.data, g.err
	case <-ctx.Done():
		return nil, runnerErrors.Wrap(runnerErrors.Transport, ctx.Err())
	case <-s.closed:
		return nil, s.closeErr
	}
}

// SetFile writes data to path on the remote side.
func (s *Session) SetFile(ctx context.Context, path string, data []byte) (err kv.Error) {
	g := s.pushGeneric("set_file")
	if errK := (Frame{Type: MsgSetFile, Args: []interface{}{path, data}}).Encode(s.stdin); errK != nil {
		return errK
	}
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return runnerErrors.Wrap(runnerErrors.Transport, ctx.Err())
	case <-s.closed:
		return s.closeErr
	}
}

// Close shuts the session down: it KILLs every live slot and awaits
// their RESULTs with KillTimeout, matching spec §4.2.3's "Cancellation of
// stop" paragraph.
func (s *Session) Close(ctx context.Context) (err kv.Error) {
	s.mu.Lock()
	live := []*execRequest{}
	for _, e := range s.execByID {
		if e != nil {
			live = append(live, e)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	killCtx, cancel := context.WithTimeout(ctx, KillTimeout)
	defer cancel()

	for _, e := range live {
		wg.Add(1)
		go func(e *execRequest) {
			defer wg.Done()
			_ = s.Kill(killCtx, e.slot)
			select {
			case <-e.done:
			case <-killCtx.Done():
			}
		}(e)
	}
	wg.Wait()

	s.failAll(runnerErrors.New(runnerErrors.Transport, "LTX session closed"))
	return nil
}

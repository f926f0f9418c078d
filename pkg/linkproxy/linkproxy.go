// Package linkproxy implements the per-link proxy engine (spec component
// C4): one serial fd, one pty pair, one symlink, one frame extractor and
// one heartbeat-liveness timer, all owned by a single goroutine acting as
// that link's sole state-owner. It is grounded on the teacher's
// top-level Service composition root (one USOCK plus one Redis client
// wired together and driven by goroutines/channels), generalized here to
// one instance per link instead of a process singleton.
package linkproxy

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/librescoot/console-proxy/pkg/extractor"
	"github.com/librescoot/console-proxy/pkg/frame"
	"github.com/librescoot/console-proxy/pkg/linkio"
	"github.com/librescoot/console-proxy/pkg/store"
)

// HeartbeatTimeout is the interval of silence after which a link's
// oper_state flips to "down". Per the spec's resolved open question, this
// is strict: general byte traffic on the link does not re-arm it, only a
// genuine heartbeat frame does.
const HeartbeatTimeout = 15 * time.Second

// readQuantum bounds a single non-blocking read from either the serial fd
// or the pty master.
const readQuantum = 4096

// filterSafety is the multiplier applied to one buffer-full's worth of
// character time to derive the extractor's timeout (§4.4).
const filterSafety = 3

// FilterTimeout derives the extractor idle-timeout for a link running at
// baud bits/second: a buffered partial frame is only released to the user
// stream once it could not possibly have completed at line rate.
func FilterTimeout(baud int) time.Duration {
	charTime := time.Duration(float64(time.Second) * 10 / float64(baud))
	return charTime * extractor.MaxBufferSize * filterSafety
}

// Config carries everything a LinkProxy needs at construction.
type Config struct {
	LinkID        string
	Device        string
	Baud          int
	SymlinkPrefix string
	Store         store.Adapter
	Verbose       bool
}

// LinkProxy is one running per-link engine. All of its mutable state is
// owned exclusively by its run goroutine; Start and Stop are the only
// methods safe to call from another goroutine.
type LinkProxy struct {
	cfg    Config
	logger *log.Logger

	serial *os.File
	pty    *linkio.PTYPair

	ext *extractor.Extractor

	lastOperState string

	stopCh  chan struct{}
	closing chan struct{}
	doneCh  chan struct{}
}

type readResult struct {
	data []byte
	err  error
}

// New validates nothing and allocates no resources; Start does both.
func New(cfg Config) *LinkProxy {
	prefix := fmt.Sprintf("[link %s] ", cfg.LinkID)
	return &LinkProxy{
		cfg:     cfg,
		logger:  log.New(log.Writer(), prefix, log.Flags()),
		ext:     extractor.New(),
		stopCh:  make(chan struct{}),
		closing: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start runs the all-or-nothing startup sequence from §4.4: pty
// allocation, serial open+configure, pty raw-mode, symlink creation. Any
// failure rolls back everything already acquired.
func (lp *LinkProxy) Start() error {
	pty, err := linkio.OpenPTY()
	if err != nil {
		return fmt.Errorf("linkproxy: link %s: allocate pty: %w", lp.cfg.LinkID, err)
	}

	serial, err := linkio.OpenSerial(lp.cfg.Device)
	if err != nil {
		pty.Master.Close()
		return fmt.Errorf("linkproxy: link %s: open serial: %w", lp.cfg.LinkID, err)
	}

	if err := linkio.Configure(serial, lp.cfg.Baud); err != nil {
		serial.Close()
		pty.Master.Close()
		return fmt.Errorf("linkproxy: link %s: configure serial: %w", lp.cfg.LinkID, err)
	}

	symlinkPath := lp.cfg.SymlinkPrefix + lp.cfg.LinkID
	if err := linkio.ReplaceSymlink(pty.SlaveName, symlinkPath); err != nil {
		serial.Close()
		pty.Master.Close()
		return fmt.Errorf("linkproxy: link %s: create symlink: %w", lp.cfg.LinkID, err)
	}

	lp.serial = serial
	lp.pty = pty

	go lp.run()

	lp.logger.Printf("started: device=%s baud=%d symlink=%s pty=%s",
		lp.cfg.Device, lp.cfg.Baud, symlinkPath, pty.SlaveName)
	return nil
}

// Stop runs the §4.4 stop sequence and blocks until the run goroutine has
// exited.
func (lp *LinkProxy) Stop() {
	close(lp.stopCh)
	<-lp.doneCh
}

// run is the link's sole actor goroutine: it owns the extractor,
// heartbeat timer, filter timer and oper_state cache, and drains two
// reader goroutines over channels rather than blocking on fd readiness
// itself.
func (lp *LinkProxy) run() {
	defer close(lp.doneCh)

	serialCh := make(chan readResult, 1)
	ptyCh := make(chan readResult, 1)

	go lp.readLoop(lp.serial, serialCh)
	go lp.readLoop(lp.pty.Master, ptyCh)

	heartbeatTimer := time.NewTimer(HeartbeatTimeout)
	defer heartbeatTimer.Stop()

	filterTimeout := FilterTimeout(lp.cfg.Baud)
	filterTimer := time.NewTimer(filterTimeout)
	filterTimer.Stop()
	filterArmed := false

	for {
		select {
		case res := <-serialCh:
			if res.err != nil {
				lp.logger.Printf("serial read error, stopping: %v", res.err)
				lp.stop()
				return
			}
			if lp.cfg.Verbose {
				lp.logger.Printf("serial rx %d bytes: %x", len(res.data), res.data)
			}
			if filterArmed {
				filterTimer.Stop()
				filterArmed = false
			}
			events := lp.ext.Process(res.data)
			lp.handleEvents(events, heartbeatTimer)
			if lp.ext.HasPendingData() {
				filterTimer.Reset(filterTimeout)
				filterArmed = true
			}

		case res := <-ptyCh:
			if res.err != nil {
				lp.logger.Printf("pty read error, stopping: %v", res.err)
				lp.stop()
				return
			}
			if lp.cfg.Verbose {
				lp.logger.Printf("pty rx %d bytes: %x", len(res.data), res.data)
			}
			if _, err := lp.serial.Write(res.data); err != nil {
				lp.logger.Printf("serial write dropped %d bytes: %v", len(res.data), err)
			}

		case <-filterTimer.C:
			filterArmed = false
			events := lp.ext.OnTimeout()
			lp.handleEvents(events, heartbeatTimer)

		case <-heartbeatTimer.C:
			lp.onLivenessTimeout()
			heartbeatTimer.Reset(HeartbeatTimeout)

		case <-lp.stopCh:
			lp.stop()
			return
		}
	}
}

// readLoop owns exactly one fd, feeding completed (or failed) reads into
// ch, and exits as soon as a read fails (Stop arranges that by closing
// the fd out from under it) or the proxy has begun closing. The select
// on lp.closing keeps this goroutine from blocking forever on a send
// nobody will ever receive, once the owning run loop has moved on to
// cleanup.
func (lp *LinkProxy) readLoop(f *os.File, ch chan<- readResult) {
	buf := make([]byte, readQuantum)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case ch <- readResult{data: data}:
			case <-lp.closing:
				return
			}
		}
		if err != nil {
			select {
			case ch <- readResult{err: err}:
			case <-lp.closing:
			}
			return
		}
	}
}

// handleEvents drains extractor events: frames go to the heartbeat
// handler, user bytes go to the pty master best-effort.
func (lp *LinkProxy) handleEvents(events []extractor.Event, heartbeatTimer *time.Timer) {
	for _, ev := range events {
		switch ev.Kind {
		case extractor.EventFrame:
			lp.onFrame(ev.Frame, heartbeatTimer)
		case extractor.EventUserBytes:
			if _, err := lp.pty.Master.Write(ev.UserBytes); err != nil {
				lp.logger.Printf("pty write dropped %d bytes: %v", len(ev.UserBytes), err)
			}
		}
	}
}

// onFrame is the heartbeat handler (§4.4): non-heartbeat frame types are
// logged and dropped; a heartbeat resets the liveness timer and, if
// necessary, transitions oper_state to "up".
func (lp *LinkProxy) onFrame(f frame.Frame, heartbeatTimer *time.Timer) {
	if f.Type != frame.Heartbeat {
		lp.logger.Printf("dropping frame with unknown type 0x%02x", byte(f.Type))
		return
	}
	if lp.cfg.Verbose {
		lp.logger.Printf("heartbeat received: seq=%d", f.Seq)
	}
	if !heartbeatTimer.Stop() {
		select {
		case <-heartbeatTimer.C:
		default:
		}
	}
	heartbeatTimer.Reset(HeartbeatTimeout)
	lp.transitionState("up")
}

// onLivenessTimeout is the liveness-timeout handler. Per the spec's
// resolved open question, there is no grace period: absence of a
// heartbeat frame flips the link down regardless of other byte traffic.
func (lp *LinkProxy) onLivenessTimeout() {
	lp.transitionState("down")
}

// transitionState projects oper_state into the store, but only when it
// differs from the last state this proxy successfully projected
// (§4.4 "State transitions", and the "State dedup" testable property).
func (lp *LinkProxy) transitionState(state string) {
	if lp.lastOperState == state {
		return
	}
	fields := map[string]string{
		"oper_state":        state,
		"last_state_change": fmt.Sprintf("%d", nowUnix()),
	}
	if err := lp.cfg.Store.HSet("CONSOLE_PORT", lp.cfg.LinkID, fields); err != nil {
		lp.logger.Printf("failed to project oper_state=%s: %v", state, err)
		return
	}
	lp.lastOperState = state
	lp.logger.Printf("oper_state -> %s", state)
}

// stop implements the §4.4 stop sequence: the run loop has already
// decided to exit by the time this runs, so it only needs to flush,
// clean up the filesystem and store, and release fds.
func (lp *LinkProxy) stop() {
	close(lp.closing)

	if lp.ext.HasPendingData() {
		for _, ev := range lp.ext.OnTimeout() {
			if ev.Kind == extractor.EventUserBytes {
				lp.pty.Master.Write(ev.UserBytes)
			}
		}
	}

	symlinkPath := lp.cfg.SymlinkPrefix + lp.cfg.LinkID
	if err := linkio.RemoveSymlink(symlinkPath); err != nil {
		lp.logger.Printf("failed to remove symlink %s: %v", symlinkPath, err)
	}

	lp.serial.Close()
	lp.pty.Master.Close()

	if err := lp.cfg.Store.HDel("CONSOLE_PORT", lp.cfg.LinkID, "oper_state", "last_state_change"); err != nil {
		lp.logger.Printf("failed to clear state fields: %v", err)
	}

	lp.logger.Printf("stopped")
}

// nowUnix is overridable by tests; production code always uses wall
// clock seconds.
var nowUnix = func() int64 { return time.Now().Unix() }

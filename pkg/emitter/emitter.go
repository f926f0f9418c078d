// Package emitter implements the terminal-side heartbeat emitter (spec
// component C6): a symmetric, much smaller counterpart to linkproxy that
// only ever writes HEARTBEAT frames to a serial fd, gated on the same
// FeatureFlag the proxy side watches. Grounded on the teacher's
// cmd/bluetooth-service/main.go startup shape (flags, connect store, open
// device, run, wait for signal).
package emitter

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/librescoot/console-proxy/pkg/frame"
	"github.com/librescoot/console-proxy/pkg/store"
)

// HeartbeatInterval is the default period between heartbeat frames while
// the feature flag is enabled.
const HeartbeatInterval = 5 * time.Second

const consoleSwitchTable = "CONSOLE_SWITCH"

// ConsoleSwitchKey matches the proxy-side supervisor's resolution of the
// spec's feature-flag-key open question.
const ConsoleSwitchKey = "console_mgmt"

// Config carries an Emitter's construction-time inputs.
type Config struct {
	Serial   *os.File
	Store    store.Adapter
	Interval time.Duration
	Verbose  bool
}

// Emitter owns one serial fd and projects HEARTBEAT frames onto it while
// the feature flag reads "yes".
type Emitter struct {
	cfg     Config
	logger  *log.Logger
	counter byte
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs an Emitter; it performs no I/O.
func New(cfg Config) *Emitter {
	if cfg.Interval == 0 {
		cfg.Interval = HeartbeatInterval
	}
	return &Emitter{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[heartbeat] ", log.Flags()),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run executes the §4.6 loop: subscribe to the feature flag, send a
// heartbeat every Interval while it reads "yes", and start/stop that
// ticking as the flag transitions. It returns once Stop is called.
func (e *Emitter) Run() {
	defer close(e.doneCh)

	events, cancel := e.cfg.Store.PSubscribe(fmt.Sprintf("%s|%s", consoleSwitchTable, ConsoleSwitchKey))
	defer cancel()

	enabled := e.checkEnabled()
	var ticker *time.Ticker
	var tick <-chan time.Time
	if enabled {
		ticker = time.NewTicker(e.cfg.Interval)
		tick = ticker.C
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-e.stopCh:
			return

		case <-tick:
			e.sendHeartbeat()

		case _, ok := <-events:
			if !ok {
				return
			}
			nowEnabled := e.checkEnabled()
			if nowEnabled == enabled {
				continue
			}
			enabled = nowEnabled
			if enabled {
				ticker = time.NewTicker(e.cfg.Interval)
				tick = ticker.C
				e.logger.Printf("feature enabled, starting heartbeat")
			} else {
				ticker.Stop()
				ticker = nil
				tick = nil
				e.logger.Printf("feature disabled, stopping heartbeat")
			}
		}
	}
}

// Stop requests that Run exit and blocks until it has.
func (e *Emitter) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Emitter) checkEnabled() bool {
	fields, err := e.cfg.Store.HGetAll(consoleSwitchTable, ConsoleSwitchKey)
	if err != nil {
		e.logger.Printf("failed to read feature flag: %v", err)
		return false
	}
	return fields["enabled"] == "yes"
}

func (e *Emitter) sendHeartbeat() {
	out, err := frame.Build(frame.ProtocolVersion, e.counter, 0, frame.Heartbeat, nil)
	if err != nil {
		e.logger.Printf("failed to build heartbeat frame: %v", err)
		return
	}
	if _, err := e.cfg.Serial.Write(out); err != nil {
		e.logger.Printf("failed to write heartbeat frame: %v", err)
	} else if e.cfg.Verbose {
		e.logger.Printf("heartbeat sent: seq=%d", e.counter)
	}
	e.counter++
}

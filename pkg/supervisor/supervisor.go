// Package supervisor implements the reconciling process supervisor (spec
// component C5): it owns the store connection and the set of running
// per-link proxies, and keeps that set in sync with store-driven
// configuration. It is grounded on the teacher's top-level main() plus
// Service.WatchRedisCommands polling loop, generalized here into an
// explicit reconcile pass triggered by keyspace notifications rather than
// a fixed poll interval.
package supervisor

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/librescoot/console-proxy/pkg/config"
	"github.com/librescoot/console-proxy/pkg/linkproxy"
	"github.com/librescoot/console-proxy/pkg/store"
)

// ConsolePortTable and ConsoleSwitchKey name the store rows the supervisor
// watches. ConsoleSwitchKey resolves the spec's open question between
// "console_mgmt" and "controlled_device" in favor of "console_mgmt".
const (
	ConsolePortTable  = "CONSOLE_PORT"
	ConsoleSwitchKey  = "console_mgmt"
	consoleSwitchTable = "CONSOLE_SWITCH"
)

// eventWait bounds how long the supervisor's loop waits for the next
// keyspace notification (§4.5 step 4); a wait that times out does not
// reconcile, it only lets the loop check for Stop.
const eventWait = time.Second

// Config carries the supervisor's construction-time inputs.
type Config struct {
	Store         store.Adapter
	SymlinkPrefix string
	Verbose       bool
}

// stopper is the subset of *linkproxy.LinkProxy the supervisor depends on.
// Tests substitute startLink to exercise reconcile's set-diffing logic
// without touching real serial/pty devices.
type stopper interface {
	Stop()
}

// Supervisor is the single-threaded reconciler. Run is not safe to call
// from more than one goroutine; Stop may be called from any goroutine to
// unblock it.
type Supervisor struct {
	cfg       Config
	logger    *log.Logger
	proxies   map[string]*runningProxy
	stopCh    chan struct{}
	startLink func(config.LinkConfig) (stopper, error)
}

type runningProxy struct {
	proxy stopper
	baud  int
}

// New constructs a Supervisor; it performs no I/O.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[supervisor] ", log.Flags()),
		proxies: make(map[string]*runningProxy),
		stopCh:  make(chan struct{}),
	}
	s.startLink = func(lc config.LinkConfig) (stopper, error) {
		lp := linkproxy.New(linkproxy.Config{
			LinkID:        lc.LinkID,
			Device:        lc.Device,
			Baud:          lc.Baud,
			SymlinkPrefix: s.cfg.SymlinkPrefix,
			Store:         s.cfg.Store,
			Verbose:       s.cfg.Verbose,
		})
		if err := lp.Start(); err != nil {
			return nil, err
		}
		return lp, nil
	}
	return s
}

// Run executes the §4.5 lifecycle: subscribe, reconcile once, then loop
// waiting up to eventWait for the next change event and reconciling again.
// It returns once Stop has been called and every proxy has stopped.
func (s *Supervisor) Run() {
	events, cancel := s.cfg.Store.PSubscribe(
		fmt.Sprintf("%s|*", ConsolePortTable),
		fmt.Sprintf("%s|*", consoleSwitchTable),
	)
	defer cancel()

	s.reconcile()

	for {
		select {
		case <-s.stopCh:
			s.stopAll()
			return
		default:
		}

		if _, ok := s.cfg.Store.NextEvent(events, eventWait); ok {
			s.reconcile()
		}
	}
}

// Stop requests that Run exit after its current iteration, stopping every
// running proxy in parallel.
func (s *Supervisor) Stop() {
	close(s.stopCh)
}

// reconcile is the §4.5 reconcile pass.
func (s *Supervisor) reconcile() {
	fields, err := s.cfg.Store.HGetAll(consoleSwitchTable, ConsoleSwitchKey)
	if err != nil {
		s.logger.Printf("failed to read feature flag: %v", err)
		return
	}
	if !config.FeatureEnabled(fields) {
		if len(s.proxies) > 0 {
			s.logger.Printf("feature disabled, stopping %d proxies", len(s.proxies))
		}
		s.stopAll()
		return
	}

	desired, err := s.readDesired()
	if err != nil {
		s.logger.Printf("failed to read link configuration: %v", err)
		return
	}

	for linkID := range s.proxies {
		if _, ok := desired[linkID]; !ok {
			s.stopOne(linkID)
		}
	}

	// Deterministic order keeps log output (and test expectations) stable.
	linkIDs := make([]string, 0, len(desired))
	for linkID := range desired {
		linkIDs = append(linkIDs, linkID)
	}
	sort.Strings(linkIDs)

	for _, linkID := range linkIDs {
		lc := desired[linkID]
		running, ok := s.proxies[linkID]
		switch {
		case !ok:
			s.startOne(lc)
		case running.baud != lc.Baud:
			s.stopOne(linkID)
			s.startOne(lc)
		}
	}
}

func (s *Supervisor) readDesired() (map[string]config.LinkConfig, error) {
	keys, err := s.cfg.Store.Keys(fmt.Sprintf("%s|*", ConsolePortTable))
	if err != nil {
		return nil, fmt.Errorf("supervisor: list link configuration: %w", err)
	}

	desired := make(map[string]config.LinkConfig, len(keys))
	prefix := ConsolePortTable + "|"
	for _, key := range keys {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		linkID := key[len(prefix):]
		fields, err := s.cfg.Store.HGetAll(ConsolePortTable, linkID)
		if err != nil {
			s.logger.Printf("link %s: failed to read configuration: %v", linkID, err)
			continue
		}
		lc, err := config.ParseLinkConfig(linkID, fields)
		if err != nil {
			s.logger.Printf("link %s: invalid configuration: %v", linkID, err)
			continue
		}
		desired[linkID] = lc
	}
	return desired, nil
}

func (s *Supervisor) startOne(lc config.LinkConfig) {
	lp, err := s.startLink(lc)
	if err != nil {
		s.logger.Printf("link %s: failed to start: %v", lc.LinkID, err)
		return
	}
	s.proxies[lc.LinkID] = &runningProxy{proxy: lp, baud: lc.Baud}
}

func (s *Supervisor) stopOne(linkID string) {
	running, ok := s.proxies[linkID]
	if !ok {
		return
	}
	delete(s.proxies, linkID)
	running.proxy.Stop()
}

// stopAll stops every running proxy concurrently (§4.5 shutdown and the
// "disabled" branch of reconcile both stop proxies in parallel) and waits
// for all of them to finish.
func (s *Supervisor) stopAll() {
	var wg sync.WaitGroup
	for linkID, running := range s.proxies {
		wg.Add(1)
		go func(lp stopper) {
			defer wg.Done()
			lp.Stop()
		}(running.proxy)
		delete(s.proxies, linkID)
	}
	wg.Wait()
}

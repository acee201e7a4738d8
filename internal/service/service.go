// Package service owns the transactional machinery for all runs: the
// run registry, the shared memory store, the token vault, and the ten
// public operations. Each run is serialized by its RunHandle mutex; the
// memory-store mutex is always acquired after a run mutex.
package service

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/sp103107/context-module/internal/config"
	"github.com/sp103107/context-module/internal/fault"
	"github.com/sp103107/context-module/internal/ledger"
	"github.com/sp103107/context-module/internal/memory"
	"github.com/sp103107/context-module/internal/workingset"
)

// Version is reported by the health operation.
const Version = "2.1.0"

type Service struct {
	cfg    *config.Config
	logger *log.Logger
	vault  *memory.TokenVault
	memory memory.Store

	mu   sync.Mutex
	runs map[string]*RunHandle
}

// RunHandle binds one run's working set, ledger handle, and milestone
// state. Its mutex serializes every operation against the run.
type RunHandle struct {
	runID string
	dir   string

	mu  sync.Mutex
	wsm *workingset.Manager
	led *ledger.Ledger
}

func New(cfg *config.Config, logger *log.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[contextd] ", log.LstdFlags)
	}
	if err := os.MkdirAll(cfg.RunsRoot, 0o755); err != nil {
		return nil, fault.Wrap(fault.IO, err)
	}
	vault := memory.NewTokenVault()
	return &Service{
		cfg:    cfg,
		logger: logger,
		vault:  vault,
		memory: memory.NewInMemoryStore(memory.Options{Vault: vault, TestMode: cfg.TestMode}),
		runs:   map[string]*RunHandle{},
	}, nil
}

// Memory exposes the store for alternative transports and tests.
func (s *Service) Memory() memory.Store { return s.memory }

// Close flushes and releases every open append handle.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, h := range s.runs {
		h.mu.Lock()
		if h.led != nil {
			if err := h.led.Close(); err != nil && first == nil {
				first = err
			}
			h.led = nil
		}
		h.mu.Unlock()
	}
	s.runs = map[string]*RunHandle{}
	return first
}

func (s *Service) runDir(runID string) string {
	return filepath.Join(s.cfg.RunsRoot, runID)
}

func (s *Service) wsConfig() workingset.Config {
	return workingset.Config{
		TokenBudget: s.cfg.TokenBudget,
		PinnedMax:   s.cfg.PinnedMax,
	}
}

// handle returns the RunHandle for an existing run, opening its files on
// first touch. Unknown runs yield not_found.
func (s *Service) handle(runID string) (*RunHandle, error) {
	s.mu.Lock()
	if h, ok := s.runs[runID]; ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	dir := s.runDir(runID)
	wsm := workingset.NewManager(filepath.Join(dir, "state", "working_set.json"), s.wsConfig())
	if !wsm.Exists() {
		return nil, fault.New(fault.NotFound, "run %s not found", runID)
	}
	return s.adopt(runID, wsm)
}

// adopt registers a run whose files already exist on disk, opening the
// ledger and reconciling it against the working set.
func (s *Service) adopt(runID string, wsm *workingset.Manager) (*RunHandle, error) {
	dir := s.runDir(runID)
	led, err := ledger.Open(filepath.Join(dir, "ledger", "run.jsonl"), s.cfg.LockMode())
	if err != nil {
		return nil, err
	}

	h := &RunHandle{runID: runID, dir: dir, wsm: wsm, led: led}

	s.mu.Lock()
	if existing, ok := s.runs[runID]; ok {
		s.mu.Unlock()
		_ = led.Close()
		return existing, nil
	}
	s.runs[runID] = h
	s.mu.Unlock()

	s.reconcile(h)
	return h, nil
}

// reconcile surfaces the one non-atomic window: a crash between the WS
// rename and its ledger append leaves the ledger ahead of the file. The
// WS file is trusted; phantom accepted events are flagged, not removed.
func (s *Service) reconcile(h *RunHandle) {
	ws, err := h.wsm.Load()
	if err != nil {
		return
	}
	events, err := h.led.ReadAll()
	if err != nil {
		return
	}
	var maxSeq float64
	for _, ev := range events {
		if ev.EventType != ledger.EventWSUpdateApplied {
			continue
		}
		if v, ok := ev.Payload["after_seq"].(float64); ok && v > maxSeq {
			maxSeq = v
		}
	}
	if uint64(maxSeq) > ws.UpdateSeq {
		s.logger.Printf("run %s: ledger ahead of working set (ledger seq %d > ws seq %d)",
			h.runID, uint64(maxSeq), ws.UpdateSeq)
	}
}

func mintRunID() string    { return "run_" + ulid.Make().String() }
func mintTaskID() string   { return "task_" + ulid.Make().String() }
func mintThreadID() string { return "thread_" + ulid.Make().String() }

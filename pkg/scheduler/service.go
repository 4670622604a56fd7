package scheduler

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/npu-bridge/npu-bridge-go/pkg/bridge"
	"github.com/npu-bridge/npu-bridge-go/pkg/models"
	"github.com/npu-bridge/npu-bridge-go/utils"
)

// Task is a recurring operation submission
type Task struct {
	Name     string
	Schedule string
	Request  models.OperationRequest
}

// Service submits recurring maintenance operations to the bridge on cron
// schedules. Device health checks are the primary use; benchmarks can be
// scheduled the same way.
type Service struct {
	bridge *bridge.Bridge
	cron   *cron.Cron
	logger *utils.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	runs    map[string]uint64
}

// NewService creates a scheduler over the given bridge
func NewService(b *bridge.Bridge) *Service {
	return &Service{
		bridge:  b,
		cron:    cron.New(),
		logger:  utils.GetLogger(),
		entries: make(map[string]cron.EntryID),
		runs:    make(map[string]uint64),
	}
}

// AddTask registers a recurring task. The schedule accepts standard cron
// expressions plus the @every form.
func (s *Service) AddTask(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if !task.Request.Kind.Valid() {
		return fmt.Errorf("unknown operation kind: %q", task.Request.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[task.Name]; exists {
		return fmt.Errorf("task %q is already registered", task.Name)
	}

	entryID, err := s.cron.AddFunc(task.Schedule, func() { s.run(task) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", task.Schedule, err)
	}
	s.entries[task.Name] = entryID
	return nil
}

// RemoveTask unregisters a recurring task
func (s *Service) RemoveTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
}

// TaskNames returns the registered task names
func (s *Service) TaskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Runs returns how many times the named task has been submitted
func (s *Service) Runs(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[name]
}

// Start begins firing schedules
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		utils.Component("scheduler"),
		utils.Int("tasks", len(s.TaskNames())))
}

// Stop halts the schedules; tasks already submitted keep running
func (s *Service) Stop() {
	s.cron.Stop()
	s.logger.Info("maintenance scheduler stopped", utils.Component("scheduler"))
}

func (s *Service) run(task Task) {
	id, err := s.bridge.Submit(task.Request)
	if err != nil {
		s.logger.Warn("scheduled task submission failed",
			utils.Component("scheduler"),
			utils.String("task", task.Name),
			utils.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.runs[task.Name]++
	s.mu.Unlock()

	s.logger.Debug("scheduled task submitted",
		utils.Component("scheduler"),
		utils.String("task", task.Name),
		utils.String("operation_id", id))
}

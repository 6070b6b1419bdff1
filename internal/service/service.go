package service

import (
	"errors"
	"sync"

	"github.com/xiaot623/gogo/runstream/internal/config"
	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/executor"
	"github.com/xiaot623/gogo/runstream/internal/policy"
	"github.com/xiaot623/gogo/runstream/internal/repository"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrThreadExists   = errors.New("thread already exists")
	ErrRunNotFound    = errors.New("run not found")
	ErrInvalidInput   = errors.New("invalid input")
)

// Publisher receives every frame of every run, e.g. to fan it out to watchers.
type Publisher interface {
	Publish(threadID, runID string, d domain.Delivery) error
}

type Service struct {
	store        repository.Store
	registry     *executor.Registry
	policyEngine *policy.Engine
	publisher    Publisher
	config       *config.Config

	runs sync.WaitGroup
}

func New(store repository.Store, registry *executor.Registry, policyEngine *policy.Engine, publisher Publisher, cfg *config.Config) *Service {
	return &Service{
		store:        store,
		registry:     registry,
		policyEngine: policyEngine,
		publisher:    publisher,
		config:       cfg,
	}
}

// ListExecutors returns the names of the registered executors.
func (s *Service) ListExecutors() []string {
	return s.registry.Names()
}

// Wait blocks until every started run has been persisted.
func (s *Service) Wait() {
	s.runs.Wait()
}

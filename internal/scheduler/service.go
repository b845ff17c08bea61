package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"eventrunner/internal/queue"
)

// Maintainer is the part of the queue the maintenance jobs touch.
type Maintainer interface {
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	PruneResults(ctx context.Context, before time.Time) (int, error)
}

var _ Maintainer = queue.Repository(nil)

type Config struct {
	RecoverSpec string        // cron spec for stale lease recovery
	PruneSpec   string        // cron spec for result pruning
	Retention   time.Duration // how long journaled results are kept
}

func DefaultConfig() Config {
	return Config{
		RecoverSpec: "@every 30s",
		PruneSpec:   "@hourly",
		Retention:   7 * 24 * time.Hour,
	}
}

// Service runs the queue maintenance jobs on cron schedules.
type Service struct {
	repo Maintainer
	cron *cron.Cron
	cfg  Config
	now  func() time.Time
}

func NewService(repo Maintainer, cfg Config) (*Service, error) {
	s := &Service{
		repo: repo,
		cron: cron.New(),
		cfg:  cfg,
		now:  time.Now,
	}
	if _, err := s.cron.AddFunc(cfg.RecoverSpec, s.recoverStale); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(cfg.PruneSpec, s.pruneResults); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the jobs until ctx is done and waits for a running job to end.
func (s *Service) Start(ctx context.Context) {
	log.Info().
		Str("recover", s.cfg.RecoverSpec).
		Str("prune", s.cfg.PruneSpec).
		Dur("retention", s.cfg.Retention).
		Msg("maintenance scheduler started")

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

func (s *Service) recoverStale() {
	n, err := s.repo.RecoverStale(context.Background(), s.now())
	if err != nil {
		log.Error().Err(err).Msg("failed to recover stale tasks")
		return
	}
	if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}
}

func (s *Service) pruneResults() {
	n, err := s.repo.PruneResults(context.Background(), s.now().Add(-s.cfg.Retention))
	if err != nil {
		log.Error().Err(err).Msg("failed to prune results")
		return
	}
	if n > 0 {
		log.Info().Int("pruned", n).Msg("pruned delivered results")
	}
}

// ValidateSpec validates a cron spec
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

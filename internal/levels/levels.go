// Package levels records user edits of the tank and price values relayed to
// the home-automation controller.
package levels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"obd2relay/internal/db"
	"obd2relay/internal/models"
	"obd2relay/internal/units"
)

// ErrNoLevels is returned before the first edit.
var ErrNoLevels = errors.New("no tank levels recorded")

// Repository is the durable, append-only edit log.
type Repository interface {
	InsertLevels(ctx context.Context, l *models.TankLevels) error
	LatestLevels(ctx context.Context) (*models.TankLevels, error)
	ListLevels(ctx context.Context, limit int) ([]models.TankLevels, error)
}

// Notifier is told about every accepted edit.
type Notifier interface {
	MarkNewReading()
}

// Publisher receives the normalized values of every accepted edit.
type Publisher interface {
	PublishLevels(l models.NormalizedLevels)
}

// Service serializes edits; reads go straight to the repository.
type Service struct {
	mu         sync.Mutex
	repo       Repository
	notifier   Notifier
	publishers []Publisher
	logger     zerolog.Logger
}

func NewService(repo Repository, notifier Notifier, logger zerolog.Logger, publishers ...Publisher) *Service {
	return &Service{
		repo:       repo,
		notifier:   notifier,
		publishers: publishers,
		logger:     logger.With().Str("component", "levels").Logger(),
	}
}

// Record validates and appends an edit, then raises the new-reading flag.
func (s *Service) Record(ctx context.Context, l models.TankLevels) (models.TankLevels, error) {
	if err := l.Validate(); err != nil {
		return models.TankLevels{}, err
	}

	s.mu.Lock()
	err := s.repo.InsertLevels(ctx, &l)
	s.mu.Unlock()
	if err != nil {
		return models.TankLevels{}, fmt.Errorf("record levels: %w", err)
	}

	s.notifier.MarkNewReading()

	normalized := units.Normalize(l)
	for _, p := range s.publishers {
		p.PublishLevels(normalized)
	}

	s.logger.Info().
		Int64("id", l.ID).
		Float64("main_tank_l", normalized.MainTankLevelLiters).
		Float64("aux_tank_l", normalized.AuxTankLevelLiters).
		Float64("price_per_l", normalized.PricePerLiter).
		Msg("tank levels recorded")
	return l, nil
}

// Latest returns the most recent edit.
func (s *Service) Latest(ctx context.Context) (models.TankLevels, error) {
	l, err := s.repo.LatestLevels(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return models.TankLevels{}, ErrNoLevels
	}
	if err != nil {
		return models.TankLevels{}, err
	}
	return *l, nil
}

// LatestNormalized returns the most recent edit in liters and price per liter.
func (s *Service) LatestNormalized(ctx context.Context) (models.NormalizedLevels, error) {
	l, err := s.Latest(ctx)
	if err != nil {
		return models.NormalizedLevels{}, err
	}
	return units.Normalize(l), nil
}

// History lists edits, most recent first.
func (s *Service) History(ctx context.Context, limit int) ([]models.TankLevels, error) {
	return s.repo.ListLevels(ctx, limit)
}

package poller

import (
	"sync"

	"obd2relay/internal/models"
)

// LocationSource supplies the last known position fix, or nil.
type LocationSource interface {
	Location() *models.Location
}

// LastKnownLocation keeps the most recent fix it was given.
type LastKnownLocation struct {
	mu  sync.RWMutex
	loc *models.Location
}

// NewLastKnownLocation starts with initial, which may be nil.
func NewLastKnownLocation(initial *models.Location) *LastKnownLocation {
	l := &LastKnownLocation{}
	if initial != nil {
		l.Update(*initial)
	}
	return l
}

func (l *LastKnownLocation) Update(loc models.Location) {
	l.mu.Lock()
	l.loc = &loc
	l.mu.Unlock()
}

func (l *LastKnownLocation) Location() *models.Location {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.loc == nil {
		return nil
	}
	c := *l.loc
	return &c
}

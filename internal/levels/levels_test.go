package levels

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"obd2relay/internal/db"
	"obd2relay/internal/models"
	"obd2relay/internal/state"
)

type recordingPublisher struct {
	mu  sync.Mutex
	got []models.NormalizedLevels
}

func (p *recordingPublisher) PublishLevels(l models.NormalizedLevels) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, l)
}

func newTestService(t *testing.T) (*Service, *state.Aggregate, *recordingPublisher) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	agg := state.New()
	pub := &recordingPublisher{}
	return NewService(database, agg, zerolog.Nop(), pub), agg, pub
}

func TestLatestBeforeAnyEdit(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	if _, err := svc.LatestNormalized(context.Background()); !errors.Is(err, ErrNoLevels) {
		t.Fatalf("expected ErrNoLevels, got %v", err)
	}
}

func TestRecordNormalizesAndRaisesFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, agg, pub := newTestService(t)

	entry := models.TankLevels{
		MainTankLevel: 10, MainTankUnit: models.UnitGallons,
		AuxTankLevel: 20, AuxTankUnit: models.UnitLiters,
		MainTankPrice: 3.785, PriceUnit: models.UnitPerGallon,
		Odometer: 1500,
	}
	saved, err := svc.Record(ctx, entry)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if saved.ID == 0 {
		t.Fatal("saved entry has no id")
	}
	if !agg.HasNewReading() {
		t.Fatal("new-reading flag not raised")
	}

	got, err := svc.LatestNormalized(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	want := models.NormalizedLevels{MainTankLevelLiters: 37.85, AuxTankLevelLiters: 20, PricePerLiter: 1, Odometer: 1500}
	if got != want {
		t.Fatalf("normalized = %+v, want %+v", got, want)
	}

	// The stored entry keeps the values and tags as entered.
	raw, err := svc.Latest(ctx)
	if err != nil {
		t.Fatalf("latest raw: %v", err)
	}
	if raw.MainTankLevel != 10 || raw.MainTankUnit != models.UnitGallons {
		t.Fatalf("stored entry altered: %+v", raw)
	}

	if len(pub.got) != 1 || pub.got[0] != want {
		t.Fatalf("published = %+v", pub.got)
	}
}

func TestRecordRejectsInvalid(t *testing.T) {
	t.Parallel()
	svc, agg, pub := newTestService(t)

	_, err := svc.Record(context.Background(), models.TankLevels{MainTankLevel: -1, MainTankUnit: models.UnitLiters})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if agg.HasNewReading() {
		t.Fatal("flag raised for rejected edit")
	}
	if len(pub.got) != 0 {
		t.Fatal("rejected edit published")
	}
}

func TestHistoryMostRecentFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	for i := 1; i <= 3; i++ {
		if _, err := svc.Record(ctx, models.TankLevels{MainTankLevel: float64(i), MainTankUnit: models.UnitLiters, AuxTankUnit: models.UnitLiters, PriceUnit: models.UnitPerLiter}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	hist, err := svc.History(ctx, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].MainTankLevel != 3 || hist[1].MainTankLevel != 2 {
		t.Fatalf("history = %+v", hist)
	}
}

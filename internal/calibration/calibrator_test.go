package calibration_test

import (
	"context"
	"testing"
	"time"

	"magpie/internal/calibration"
)

func TestRecalibrateIssuesVersionPerFamily(t *testing.T) {
	store := newStore(t)
	now := time.Now().UTC()
	clock := func() time.Time { return now }

	// Vision is overconfident: 60% accurate at 0.9 stated confidence.
	seedFamily(t, store, "vision", 18, 30, 0.9, now.Add(-time.Hour))
	// Search is about right.
	seedFamily(t, store, "search", 24, 30, 0.8, now.Add(-time.Hour))
	// Pricing has too few samples to touch.
	seedFamily(t, store, "pricing", 3, 5, 0.8, now.Add(-time.Hour))

	calibrator := calibration.NewCalibrator(store, calibration.CalibratorOptions{Clock: clock})
	issued, err := calibrator.Recalibrate(context.Background(), "")
	if err != nil {
		t.Fatalf("Recalibrate failed: %v", err)
	}
	if len(issued) != 2 {
		t.Fatalf("expected calibrations for vision and search only, got %+v", issued)
	}

	active, err := store.ActiveCalibrations(context.Background())
	if err != nil {
		t.Fatalf("ActiveCalibrations failed: %v", err)
	}
	vision, ok := active["vision"]
	if !ok {
		t.Fatal("vision calibration missing")
	}
	// 0.6 accuracy over 0.9 confidence.
	if vision.Multiplier < 0.66 || vision.Multiplier > 0.68 {
		t.Fatalf("unexpected vision multiplier %.3f", vision.Multiplier)
	}
	search, ok := active["search"]
	if !ok {
		t.Fatal("search calibration missing")
	}
	if search.Multiplier < 0.99 || search.Multiplier > 1.01 {
		t.Fatalf("unexpected search multiplier %.3f", search.Multiplier)
	}
	if _, ok := active["pricing"]; ok {
		t.Fatal("pricing is below the sample floor and must keep no calibration")
	}
}

func TestRecalibrateClampsMultiplier(t *testing.T) {
	store := newStore(t)
	now := time.Now().UTC()
	clock := func() time.Time { return now }

	// 10% accuracy at 0.95 confidence would naively yield ~0.105.
	seedFamily(t, store, "vision", 3, 30, 0.95, now.Add(-time.Hour))

	calibrator := calibration.NewCalibrator(store, calibration.CalibratorOptions{Clock: clock})
	issued, err := calibrator.Recalibrate(context.Background(), "clamp check")
	if err != nil {
		t.Fatalf("Recalibrate failed: %v", err)
	}
	if len(issued) != 1 || issued[0].Multiplier != 0.5 {
		t.Fatalf("multiplier should clamp at 0.5, got %+v", issued)
	}
	if issued[0].Note != "clamp check" {
		t.Fatalf("explicit note should be kept, got %q", issued[0].Note)
	}
}

func TestRecalibrateAdvancesVersions(t *testing.T) {
	store := newStore(t)
	now := time.Now().UTC()
	clock := func() time.Time { return now }

	seedFamily(t, store, "vision", 24, 30, 0.8, now.Add(-time.Hour))
	calibrator := calibration.NewCalibrator(store, calibration.CalibratorOptions{Clock: clock})

	first, err := calibrator.Recalibrate(context.Background(), "")
	if err != nil || len(first) != 1 {
		t.Fatalf("first recalibration: %v %+v", err, first)
	}
	second, err := calibrator.Recalibrate(context.Background(), "")
	if err != nil || len(second) != 1 {
		t.Fatalf("second recalibration: %v %+v", err, second)
	}
	if second[0].Version != first[0].Version+1 {
		t.Fatalf("versions must advance: %d then %d", first[0].Version, second[0].Version)
	}

	versions, multipliers, err := calibrator.ActiveAdjustments(context.Background())
	if err != nil {
		t.Fatalf("ActiveAdjustments failed: %v", err)
	}
	if versions["vision"] != second[0].Version {
		t.Fatalf("active version should be the newest, got %d", versions["vision"])
	}
	if multipliers["vision"] != second[0].Multiplier {
		t.Fatalf("active multiplier mismatch: %f", multipliers["vision"])
	}
}

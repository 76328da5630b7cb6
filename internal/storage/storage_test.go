package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/forkmeter/forkrisk/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(100, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRun(id string, at time.Time, level models.RiskLevel) *models.RunRecord {
	return &models.RunRecord{
		ID:             id,
		RunAt:          at,
		BlockNumber:    20_000_000,
		RiskLevel:      level,
		RiskPercentage: 18.18,
		LargestBond:    50000,
		ActiveDisputes: 2,
		LastRiskChange: at.Add(-time.Hour),
		SyncStatus:     models.SyncComplete,
		Disputes: []models.DisputeDetail{
			{MarketID: "0xaaa", Title: "Market 0xaaa...", DisputeBondSize: 50000, DisputeRound: 3, DaysRemaining: 4},
			{MarketID: "0xbbb", Title: "Market 0xbbb...", DisputeBondSize: 1200, DisputeRound: 1, DaysRemaining: 7},
		},
	}
}

func TestStorage_RecordAndLastRun(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now()

	if err := s.RecordRun(testRun("run-1", now.Add(-time.Hour), models.RiskLow)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := s.RecordRun(testRun("run-2", now, models.RiskModerate)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	got, err := s.LastRun()
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if got == nil || got.ID != "run-2" {
		t.Fatalf("got %+v, want run-2", got)
	}
	if got.RiskLevel != models.RiskModerate {
		t.Errorf("risk level = %s, want moderate", got.RiskLevel)
	}
	if got.BlockNumber != 20_000_000 {
		t.Errorf("block = %d, want 20000000", got.BlockNumber)
	}
	if !got.LastRiskChange.Equal(now.Add(-time.Hour)) {
		t.Errorf("last risk change = %v, want %v", got.LastRiskChange, now.Add(-time.Hour))
	}
	if len(got.Disputes) != 2 || got.Disputes[0].MarketID != "0xaaa" || got.Disputes[1].DisputeRound != 1 {
		t.Errorf("disputes not restored in order: %+v", got.Disputes)
	}
}

func TestStorage_LastRun_Empty(t *testing.T) {
	s := newTestStorage(t)
	got, err := s.LastRun()
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil run, got %+v", got)
	}
}

func TestStorage_RecordRun_Invalid(t *testing.T) {
	s := newTestStorage(t)
	if err := s.RecordRun(&models.RunRecord{ID: "x"}); err == nil {
		t.Error("expected error for run without time")
	}
}

func TestStorage_RecordRun_DuplicateID(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now()
	if err := s.RecordRun(testRun("dup", now, models.RiskLow)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := s.RecordRun(testRun("dup", now, models.RiskLow)); err == nil {
		t.Error("expected error for duplicate run id")
	}
}

func TestStorage_ErrorRun(t *testing.T) {
	s := newTestStorage(t)
	run := &models.RunRecord{
		ID:        "failed",
		RunAt:     time.Now(),
		RiskLevel: models.RiskUnknown,
		Error:     "all endpoints unavailable (attempted 4)",
	}
	if err := s.RecordRun(run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	got, err := s.LastRun()
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if !got.Failed() {
		t.Error("expected failed run")
	}
	if got.Error != run.Error {
		t.Errorf("error = %q, want %q", got.Error, run.Error)
	}
	if !got.LastRiskChange.IsZero() {
		t.Errorf("expected zero last risk change, got %v", got.LastRiskChange)
	}
	if len(got.Disputes) != 0 {
		t.Errorf("expected no disputes, got %d", len(got.Disputes))
	}
}

func TestStorage_RecordRun_EnforcesMaxRuns(t *testing.T) {
	s, err := New(3, ":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	now := time.Now()
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("run-%d", i)
		if err := s.RecordRun(testRun(id, now.Add(time.Duration(i)*time.Minute), models.RiskLow)); err != nil {
			t.Fatalf("RecordRun %d: %v", i, err)
		}
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	for i, want := range []string{"run-5", "run-4", "run-3"} {
		if runs[i].ID != want {
			t.Errorf("runs[%d] = %s, want %s", i, runs[i].ID, want)
		}
	}

	var orphans int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM run_disputes WHERE run_id = 'run-0'`).Scan(&orphans); err != nil {
		t.Fatalf("count disputes: %v", err)
	}
	if orphans != 0 {
		t.Errorf("rotated run left %d disputes behind", orphans)
	}
}

func TestStorage_FilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := New(10, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.RecordRun(testRun("persisted", time.Now(), models.RiskHigh)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	s.Close()

	reopened, err := New(10, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.LastRun()
	if err != nil || got == nil || got.ID != "persisted" {
		t.Fatalf("LastRun after reopen = %+v, %v", got, err)
	}
}

func TestStorage_DefaultPath(t *testing.T) {
	s, err := New(10, "")
	if err != nil {
		t.Fatalf("New with empty path: %v", err)
	}
	defer s.Close()
}

func TestStorage_LastSuccessfulRun(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now()

	got, err := s.LastSuccessfulRun()
	if err != nil || got != nil {
		t.Fatalf("empty history: got %+v, %v", got, err)
	}

	if err := s.RecordRun(testRun("ok", now.Add(-time.Hour), models.RiskHigh)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	failed := &models.RunRecord{ID: "failed", RunAt: now, RiskLevel: models.RiskUnknown, Error: "boom"}
	if err := s.RecordRun(failed); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	got, err = s.LastSuccessfulRun()
	if err != nil {
		t.Fatalf("LastSuccessfulRun: %v", err)
	}
	if got == nil || got.ID != "ok" || got.RiskLevel != models.RiskHigh {
		t.Fatalf("got %+v, want run ok", got)
	}
	if len(got.Disputes) != 2 {
		t.Errorf("got %d disputes, want 2", len(got.Disputes))
	}
}

package quota

import (
	"path/filepath"
	"testing"

	"server/internal/apperr"
	"server/internal/infra"
)

func newTestLedger(t *testing.T, limits Limits) *FileLedger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usage.json")
	l, err := NewFileLedger(path, limits, infra.NewLogger("test"))
	if err != nil {
		t.Fatalf("NewFileLedger: %v", err)
	}
	return l
}

func TestFileLedgerCheckStartsAtZero(t *testing.T) {
	l := newTestLedger(t, Limits{Image: 2})
	res, err := l.Check("session-1", ServiceImage)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed || res.Current != 0 || res.Remaining != 2 {
		t.Fatalf("unexpected initial check result: %+v", res)
	}
}

func TestFileLedgerIncrementEnforcesLimit(t *testing.T) {
	l := newTestLedger(t, Limits{Image: 1})
	if err := l.Increment("session-1", ServiceImage); err != nil {
		t.Fatalf("first increment should succeed: %v", err)
	}
	err := l.Increment("session-1", ServiceImage)
	if err == nil {
		t.Fatal("expected the second increment to be rejected at the limit")
	}
	kind, ok := apperr.As(err)
	if !ok || kind != apperr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v (ok=%v)", kind, ok)
	}
}

func TestFileLedgerPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	limits := Limits{Image: 5}

	l1, err := NewFileLedger(path, limits, infra.NewLogger("test"))
	if err != nil {
		t.Fatalf("NewFileLedger: %v", err)
	}
	if err := l1.Increment("session-1", ServiceImage); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	l2, err := NewFileLedger(path, limits, infra.NewLogger("test"))
	if err != nil {
		t.Fatalf("reload NewFileLedger: %v", err)
	}
	res, err := l2.Check("session-1", ServiceImage)
	if err != nil {
		t.Fatalf("Check after reload: %v", err)
	}
	if res.Current != 1 {
		t.Fatalf("expected persisted count of 1 after reload, got %d", res.Current)
	}
}

func TestFileLedgerServicesAreIndependent(t *testing.T) {
	l := newTestLedger(t, Limits{Image: 1, Video: 1})
	if err := l.Increment("session-1", ServiceImage); err != nil {
		t.Fatalf("Increment image: %v", err)
	}
	res, err := l.Check("session-1", ServiceVideo)
	if err != nil {
		t.Fatalf("Check video: %v", err)
	}
	if !res.Allowed || res.Current != 0 {
		t.Fatalf("expected video quota untouched by an image increment, got %+v", res)
	}
}

func TestFileLedgerCleanupRemovesOldRows(t *testing.T) {
	l := newTestLedger(t, Limits{Image: 5})
	if err := l.Increment("session-1", ServiceImage); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	l.rows[key("session-1", today())].Date = "2000-01-01"

	removed, err := l.Cleanup(30)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 row removed, got %d", removed)
	}
	if _, ok := l.rows[key("session-1", today())]; ok {
		t.Fatal("expected stale row to be gone after cleanup")
	}
}

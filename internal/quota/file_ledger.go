package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"server/internal/apperr"
	"server/internal/infra"
)

// FileLedger is the canonical Ledger: an in-memory map mirrored to a
// single JSON document on disk, persisted with write-tmp-then-rename so a
// crash mid-write never corrupts the previous committed state. Per-key
// locking is striped over the session id, following the bucket-map idiom
// in middleware.RateLimit, so unrelated sessions never contend on the
// same mutex.
type FileLedger struct {
	path   string
	limits Limits
	logger infra.Logger

	mu     sync.Mutex // guards rows and the key-lock map
	rows   map[string]*SessionDailyUsage
	keyMu  map[string]*sync.Mutex
	writeM sync.Mutex // serializes persistence writes independent of per-key locks
}

// NewFileLedger loads path (if it exists) and returns a ready Ledger.
func NewFileLedger(path string, limits Limits, logger infra.Logger) (*FileLedger, error) {
	l := &FileLedger{
		path:   path,
		limits: limits,
		logger: logger,
		rows:   make(map[string]*SessionDailyUsage),
		keyMu:  make(map[string]*sync.Mutex),
	}
	if err := l.load(); err != nil {
		return nil, apperr.Wrap(apperr.QuotaIO, "load quota ledger", err)
	}
	return l, nil
}

func (l *FileLedger) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	rows := make(map[string]*SessionDailyUsage)
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	l.rows = rows
	return nil
}

// lockFor returns the mutex striped to sessionID, creating it if absent.
func (l *FileLedger) lockFor(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.keyMu[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.keyMu[sessionID] = m
	}
	return m
}

func (l *FileLedger) rowFor(sessionID, date string) *SessionDailyUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(sessionID, date)
	row, ok := l.rows[k]
	if !ok {
		now := time.Now().UTC()
		row = &SessionDailyUsage{SessionID: sessionID, Date: date, CreatedAt: now, UpdatedAt: now}
		l.rows[k] = row
	}
	return row
}

// Check resolves today's row (creating it at zero if absent) and reports
// whether service is still under its daily cap.
func (l *FileLedger) Check(sessionID string, service ServiceType) (CheckResult, error) {
	sessionMu := l.lockFor(sessionID)
	sessionMu.Lock()
	defer sessionMu.Unlock()

	row := l.rowFor(sessionID, today())
	limit := l.limits.For(service)
	current := row.count(service)
	return CheckResult{
		Allowed:   current < limit,
		Current:   current,
		Limit:     limit,
		Remaining: limit - current,
	}, nil
}

// Increment rechecks the cap under the same per-session lock used by
// Check (so a Check→Increment race on the same key never over-admits),
// then increments and persists.
func (l *FileLedger) Increment(sessionID string, service ServiceType) error {
	sessionMu := l.lockFor(sessionID)
	sessionMu.Lock()
	defer sessionMu.Unlock()

	row := l.rowFor(sessionID, today())
	limit := l.limits.For(service)
	if row.count(service) >= limit {
		return apperr.New(apperr.QuotaExceeded, fmt.Sprintf("daily limit reached for %s", service))
	}
	row.increment(service)
	row.UpdatedAt = time.Now().UTC()

	if err := l.persist(); err != nil {
		return apperr.Wrap(apperr.QuotaIO, "persist quota increment", err)
	}
	return nil
}

// persist rewrites the whole document atomically. Callers must already
// hold the relevant per-session lock; persist additionally serializes
// against other concurrent persist calls via writeM since it snapshots
// the full map.
func (l *FileLedger) persist() error {
	l.writeM.Lock()
	defer l.writeM.Unlock()

	l.mu.Lock()
	snapshot := make(map[string]*SessionDailyUsage, len(l.rows))
	for k, v := range l.rows {
		cp := *v
		snapshot[k] = &cp
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, ".session_usage-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, l.path)
}

// DailyAggregate summarizes every session's usage for date.
func (l *FileLedger) DailyAggregate(date string) (DailyAggregate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	agg := DailyAggregate{Date: date}
	for _, row := range l.rows {
		if row.Date != date {
			continue
		}
		agg.Rows++
		agg.TotalImage += row.ImageCount
		agg.TotalVideo += row.VideoCount
		agg.TotalAvatar += row.AvatarCount
	}
	if agg.Rows > 0 {
		agg.AverageImage = float64(agg.TotalImage) / float64(agg.Rows)
		agg.AverageVideo = float64(agg.TotalVideo) / float64(agg.Rows)
	}
	return agg, nil
}

// RangeAggregate returns one DailyAggregate per date in [from, to]
// (inclusive, YYYY-MM-DD, UTC) that has at least one row.
func (l *FileLedger) RangeAggregate(from, to string) ([]DailyAggregate, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, "invalid from date", err)
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, "invalid to date", err)
	}

	var out []DailyAggregate
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		agg, _ := l.DailyAggregate(d.Format("2006-01-02"))
		if agg.Rows > 0 {
			out = append(out, agg)
		}
	}
	return out, nil
}

// History returns sessionID's usage rows for the last `days` days,
// oldest first, omitting days with no row.
func (l *FileLedger) History(sessionID string, days int) ([]SessionDailyUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	var out []SessionDailyUsage
	for i := days - 1; i >= 0; i-- {
		d := now.AddDate(0, 0, -i).Format("2006-01-02")
		if row, ok := l.rows[key(sessionID, d)]; ok {
			out = append(out, *row)
		}
	}
	return out, nil
}

// Cleanup deletes rows whose date is older than retentionDays and
// persists the result. It returns the number of rows removed.
func (l *FileLedger) Cleanup(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")

	l.mu.Lock()
	var removed []string
	for k, row := range l.rows {
		if row.Date < cutoff {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		delete(l.rows, k)
	}
	l.mu.Unlock()

	if len(removed) == 0 {
		return 0, nil
	}
	if err := l.persist(); err != nil {
		return 0, apperr.Wrap(apperr.QuotaIO, "persist quota cleanup", err)
	}
	return len(removed), nil
}

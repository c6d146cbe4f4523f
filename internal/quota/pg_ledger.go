package quota

import (
	"context"
	"time"

	"server/internal/apperr"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// PGLedger is the relational alternative to FileLedger, satisfying the
// same atomic check-and-increment contract against a Postgres table
// instead of a JSON file, per the Open Question in the design notes: the
// spec treats the file variant as canonical but allows a relational
// substitute as long as the contract holds.
type PGLedger struct {
	runner infra.SQLExecutor
	limits Limits
}

// NewPGLedger wraps runner (typically an *infra.SQLRunner) for quota storage.
func NewPGLedger(runner infra.SQLExecutor, limits Limits) *PGLedger {
	return &PGLedger{runner: runner, limits: limits}
}

func (p *PGLedger) Check(sessionID string, service ServiceType) (CheckResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := p.runner.QueryRow(ctx, sqlinline.QSelectQuotaUsage, sessionID, today())
	var usage SessionDailyUsage
	err := row.Scan(&usage.SessionID, &usage.Date, &usage.ImageCount, &usage.VideoCount, &usage.AvatarCount, &usage.CreatedAt, &usage.UpdatedAt)
	if err != nil {
		if infra.IsNoRows(err) {
			limit := p.limits.For(service)
			return CheckResult{Allowed: limit > 0, Current: 0, Limit: limit, Remaining: limit}, nil
		}
		return CheckResult{}, apperr.Wrap(apperr.QuotaIO, "select quota usage", err)
	}

	limit := p.limits.For(service)
	current := usage.count(service)
	return CheckResult{Allowed: current < limit, Current: current, Limit: limit, Remaining: limit - current}, nil
}

func (p *PGLedger) Increment(sessionID string, service ServiceType) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	limit := p.limits.For(service)
	row := p.runner.QueryRow(ctx, sqlinline.QUpsertQuotaUsage, sessionID, today(), string(service), limit)
	var usage SessionDailyUsage
	err := row.Scan(&usage.SessionID, &usage.Date, &usage.ImageCount, &usage.VideoCount, &usage.AvatarCount, &usage.CreatedAt, &usage.UpdatedAt)
	if err != nil {
		if infra.IsNoRows(err) {
			return apperr.New(apperr.QuotaExceeded, "daily limit reached")
		}
		return apperr.Wrap(apperr.QuotaIO, "increment quota usage", err)
	}
	return nil
}

func (p *PGLedger) DailyAggregate(date string) (DailyAggregate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := p.runner.QueryRow(ctx, sqlinline.QDailyQuotaAggregate, date)
	agg := DailyAggregate{Date: date}
	if err := row.Scan(&agg.Rows, &agg.TotalImage, &agg.TotalVideo, &agg.TotalAvatar); err != nil {
		return DailyAggregate{}, apperr.Wrap(apperr.QuotaIO, "aggregate quota usage", err)
	}
	if agg.Rows > 0 {
		agg.AverageImage = float64(agg.TotalImage) / float64(agg.Rows)
		agg.AverageVideo = float64(agg.TotalVideo) / float64(agg.Rows)
	}
	return agg, nil
}

func (p *PGLedger) RangeAggregate(from, to string) ([]DailyAggregate, error) {
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
		agg, err := p.DailyAggregate(d.Format("2006-01-02"))
		if err != nil {
			return nil, err
		}
		if agg.Rows > 0 {
			out = append(out, agg)
		}
	}
	return out, nil
}

func (p *PGLedger) History(sessionID string, days int) ([]SessionDailyUsage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -days+1).Format("2006-01-02")
	rows, err := p.runner.Query(ctx, sqlinline.QSessionQuotaHistory, sessionID, cutoff)
	if err != nil {
		return nil, apperr.Wrap(apperr.QuotaIO, "select quota history", err)
	}
	defer rows.Close()

	var out []SessionDailyUsage
	for rows.Next() {
		var usage SessionDailyUsage
		if err := rows.Scan(&usage.SessionID, &usage.Date, &usage.ImageCount, &usage.VideoCount, &usage.AvatarCount, &usage.CreatedAt, &usage.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.QuotaIO, "scan quota history", err)
		}
		out = append(out, usage)
	}
	return out, rows.Err()
}

func (p *PGLedger) Cleanup(retentionDays int) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")
	tag, err := p.runner.Exec(ctx, sqlinline.QCleanupQuotaUsage, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.QuotaIO, "cleanup quota usage", err)
	}
	return int(tag.RowsAffected()), nil
}

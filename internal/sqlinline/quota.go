package sqlinline

// QUpsertQuotaUsage atomically creates or increments a session's daily
// usage row for one service column, guarded by a partial check so an
// increment that would exceed the caller-supplied limit is rejected by
// the database itself, using a per-session-per-day ledger table.
const QUpsertQuotaUsage = `--sql 6f1a2b3c-4d5e-4f60-8a1b-2c3d4e5f6071
with existing as (
	select session_id, image_count, video_count, avatar_count
	from session_daily_usage
	where session_id = $1 and usage_date = $2
	for update
),
ins as (
	insert into session_daily_usage (session_id, usage_date, image_count, video_count, avatar_count, created_at, updated_at)
	select $1, $2, 0, 0, 0, now(), now()
	where not exists (select 1 from existing)
	returning session_id, image_count, video_count, avatar_count
),
current as (
	select * from existing
	union all
	select * from ins
),
updated as (
	update session_daily_usage u
	set
		image_count = image_count + case when $3 = 'image' then 1 else 0 end,
		video_count = video_count + case when $3 = 'video' then 1 else 0 end,
		avatar_count = avatar_count + case when $3 = 'avatar' then 1 else 0 end,
		updated_at = now()
	from current c
	where u.session_id = c.session_id and u.usage_date = $2
	and (
		($3 = 'image' and c.image_count < $4) or
		($3 = 'video' and c.video_count < $4) or
		($3 = 'avatar' and c.avatar_count < $4)
	)
	returning u.session_id, u.usage_date, u.image_count, u.video_count, u.avatar_count, u.created_at, u.updated_at
)
select session_id, usage_date, image_count, video_count, avatar_count, created_at, updated_at from updated
`

// QSelectQuotaUsage reads (or virtually zeroes) today's row for a check
// call that must not mutate state.
const QSelectQuotaUsage = `--sql 7a2b3c4d-5e6f-4071-9a2b-3c4d5e6f7182
select session_id, usage_date, image_count, video_count, avatar_count, created_at, updated_at
from session_daily_usage
where session_id = $1 and usage_date = $2
`

// QDailyQuotaAggregate sums usage across all sessions for one date.
const QDailyQuotaAggregate = `--sql 8b3c4d5e-6f70-4182-ab3c-4d5e6f718293
select count(*), coalesce(sum(image_count),0), coalesce(sum(video_count),0), coalesce(sum(avatar_count),0)
from session_daily_usage
where usage_date = $1
`

// QSessionQuotaHistory returns a session's usage rows for the last N days.
const QSessionQuotaHistory = `--sql 9c4d5e6f-7081-4293-bc4d-5e6f71829304
select session_id, usage_date, image_count, video_count, avatar_count, created_at, updated_at
from session_daily_usage
where session_id = $1 and usage_date >= $2
order by usage_date asc
`

// QCleanupQuotaUsage deletes rows older than the retention cutoff.
const QCleanupQuotaUsage = `--sql ad5e6f70-8192-4304-cd5e-6f7182930415
delete from session_daily_usage where usage_date < $1
`

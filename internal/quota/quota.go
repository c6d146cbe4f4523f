// Package quota implements the per-session daily quota ledger: a
// persistent, atomic per-session-per-day counter with per-service-type
// limits, checked before generation and incremented after success.
package quota

import "time"

// ServiceType identifies which daily counter a generation consumes.
type ServiceType string

const (
	ServiceImage  ServiceType = "image"
	ServiceVideo  ServiceType = "video"
	ServiceAvatar ServiceType = "avatar"
)

// Limits maps a ServiceType to its daily cap.
type Limits struct {
	Image  int
	Video  int
	Avatar int
}

// For returns the configured daily cap for service.
func (l Limits) For(service ServiceType) int {
	switch service {
	case ServiceImage:
		return l.Image
	case ServiceVideo:
		return l.Video
	case ServiceAvatar:
		return l.Avatar
	default:
		return 0
	}
}

// SessionDailyUsage is the persisted row keyed by (session_id, date).
type SessionDailyUsage struct {
	SessionID   string    `json:"session_id"`
	Date        string    `json:"date"` // YYYY-MM-DD, UTC
	ImageCount  int       `json:"image_count"`
	VideoCount  int       `json:"video_count"`
	AvatarCount int       `json:"avatar_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (u *SessionDailyUsage) count(service ServiceType) int {
	switch service {
	case ServiceImage:
		return u.ImageCount
	case ServiceVideo:
		return u.VideoCount
	case ServiceAvatar:
		return u.AvatarCount
	default:
		return 0
	}
}

func (u *SessionDailyUsage) increment(service ServiceType) {
	switch service {
	case ServiceImage:
		u.ImageCount++
	case ServiceVideo:
		u.VideoCount++
	case ServiceAvatar:
		u.AvatarCount++
	}
}

// CheckResult is the outcome of Ledger.Check.
type CheckResult struct {
	Allowed   bool
	Current   int
	Limit     int
	Remaining int
}

// DailyAggregate summarizes usage across all sessions for one date.
type DailyAggregate struct {
	Date         string
	Rows         int
	TotalImage   int
	TotalVideo   int
	TotalAvatar  int
	AverageImage float64
	AverageVideo float64
}

// Ledger is the quota ledger contract. Implementations MUST serialize
// check/increment against the same (session, service) key and MUST
// survive process restart by rebuilding counters from persistence.
type Ledger interface {
	Check(sessionID string, service ServiceType) (CheckResult, error)
	Increment(sessionID string, service ServiceType) error
	DailyAggregate(date string) (DailyAggregate, error)
	RangeAggregate(from, to string) ([]DailyAggregate, error)
	History(sessionID string, days int) ([]SessionDailyUsage, error)
	Cleanup(retentionDays int) (int, error)
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

func key(sessionID, date string) string { return sessionID + "_" + date }

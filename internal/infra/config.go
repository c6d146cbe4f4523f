package infra

import "time"

// Config is the minimal set of fields infra's database and HTTP-server
// helpers need. The gateway's full runtime configuration lives in
// gwconfig.Config; this type exists only so NewDBPool/NewHTTPServer stay
// decoupled from that package.
type Config struct {
	DatabaseURL string

	Port             string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// Package httpapi is the HTTP Surface: a thin translation of requests
// into Generation Controller / Task Store calls, written as handler
// methods on *App.
package httpapi

import (
	"server/internal/gen"
	"server/internal/gwconfig"
	"server/internal/infra"
	"server/internal/infra/geoip"
	"server/internal/quota"
	"server/internal/storage"
	"server/internal/task"
)

// App holds every dependency a handler needs. It is constructed once at
// startup and passed to NewRouter; no handler touches global state.
type App struct {
	Controller *gen.Controller
	Store      *task.Store
	Scheduler  *task.Scheduler
	Ledger     quota.Ledger
	Config     *gwconfig.Config
	Logger     infra.Logger
	GeoIP      geoip.CountryResolver // nil when GEOIP_DB_PATH is unset
	Uploads    *storage.FileStore    // resolves generateRequest.FilePaths; nil disables the feature
}

// NewApp wires the given components into an App.
func NewApp(controller *gen.Controller, store *task.Store, scheduler *task.Scheduler, ledger quota.Ledger, cfg *gwconfig.Config, logger infra.Logger, resolver geoip.CountryResolver, uploads *storage.FileStore) *App {
	return &App{Controller: controller, Store: store, Scheduler: scheduler, Ledger: ledger, Config: cfg, Logger: logger, GeoIP: resolver, Uploads: uploads}
}

// clientCountry resolves the caller's country from RealIP for request
// logging; it degrades to "" whenever GeoIP is unconfigured or the lookup
// fails, never blocking the request on it.
func (a *App) clientCountry(remoteIP string) string {
	if a.GeoIP == nil || remoteIP == "" {
		return ""
	}
	code, err := a.GeoIP.CountryCode(remoteIP)
	if err != nil {
		return ""
	}
	return code
}

// countryLookup adapts GeoIP to middleware.CountryLookup for the I18N
// middleware, which already tries header hints and Accept-Language before
// falling back to this.
func (a *App) countryLookup(ip string) (string, error) {
	if a.GeoIP == nil {
		return "", nil
	}
	return a.GeoIP.CountryCode(ip)
}

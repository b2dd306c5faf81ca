package handlers

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/crucible"

	"github.com/bulwarkhq/bulwark/internal/appid"
)

// Build metadata, injected from main via SetVersionInfo.
var (
	AppVersion   = "dev"
	AppCommit    = "unknown"
	AppBuildDate = "unknown"
)

// SetVersionInfo sets the version information for the handler
func SetVersionInfo(version, commit, buildDate string) {
	AppVersion = version
	AppCommit = commit
	AppBuildDate = buildDate
}

// VersionResponse represents the version information response
type VersionResponse struct {
	App          AppInfo     `json:"app"`
	Dependencies DepInfo     `json:"dependencies"`
	Runtime      RuntimeInfo `json:"runtime"`
}

// AppInfo contains application version details
type AppInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

// DepInfo reports the fulmen libraries and the modules that carry traffic,
// throttle state and the journal.
type DepInfo struct {
	Gofulmen string            `json:"gofulmen"`
	Crucible string            `json:"crucible"`
	Modules  map[string]string `json:"modules,omitempty"`
}

var reportedModules = []string{
	"github.com/go-chi/chi/v5",
	"github.com/redis/go-redis/v9",
	"github.com/tursodatabase/go-libsql",
	"github.com/jmoiron/sqlx",
}

// moduleVersions reads the linked versions of reportedModules. Binaries
// built without module info report none.
func moduleVersions() map[string]string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	out := make(map[string]string, len(reportedModules))
	for _, dep := range info.Deps {
		for _, path := range reportedModules {
			if dep.Path != path {
				continue
			}
			version := dep.Version
			if dep.Replace != nil {
				version = dep.Replace.Version
			}
			out[path] = version
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RuntimeInfo contains runtime environment information
type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// CurrentVersion assembles the version report. The version command prints
// the same structure.
func CurrentVersion() VersionResponse {
	deps := crucible.GetVersion()
	return VersionResponse{
		App: AppInfo{
			Name:      appid.Get().BinaryName,
			Version:   AppVersion,
			Commit:    AppCommit,
			BuildDate: AppBuildDate,
			GoVersion: runtime.Version(),
		},
		Dependencies: DepInfo{
			Gofulmen: deps.Gofulmen,
			Crucible: deps.Crucible,
			Modules:  moduleVersions(),
		},
		Runtime: RuntimeInfo{
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			NumGoroutines: runtime.NumGoroutine(),
		},
	}
}

// VersionHandler handles version information requests
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(CurrentVersion())
}

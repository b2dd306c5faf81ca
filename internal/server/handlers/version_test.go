package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVersionHandlerIncludesBuildMetadata(t *testing.T) {
	prevVersion, prevCommit, prevDate := AppVersion, AppCommit, AppBuildDate
	t.Cleanup(func() { SetVersionInfo(prevVersion, prevCommit, prevDate) })
	SetVersionInfo("0.4.0", "9e1c0de", "2026-10-01T08:00:00Z")

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()

	VersionHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp VersionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.App.Name != "bulwark" {
		t.Fatalf("expected app name bulwark, got %s", resp.App.Name)
	}
	if resp.App.Version != "0.4.0" || resp.App.Commit != "9e1c0de" {
		t.Fatalf("unexpected build metadata: %+v", resp.App)
	}
	if resp.Dependencies.Gofulmen == "" || resp.Dependencies.Crucible == "" {
		t.Fatal("expected dependency versions to be populated")
	}
	if resp.Runtime.NumCPU < 1 {
		t.Fatalf("expected at least one CPU, got %d", resp.Runtime.NumCPU)
	}
}

func TestModuleVersionsOnlyReportsKnownModules(t *testing.T) {
	known := make(map[string]bool, len(reportedModules))
	for _, path := range reportedModules {
		known[path] = true
	}
	for path, version := range moduleVersions() {
		if !known[path] {
			t.Fatalf("unexpected module %s", path)
		}
		if version == "" {
			t.Fatalf("module %s reported without a version", path)
		}
	}
}

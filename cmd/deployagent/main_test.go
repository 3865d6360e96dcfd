package main

import (
	"runtime/debug"
	"testing"
)

func TestFromBuildInfo(t *testing.T) {
	stamped := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/openfroyo/deploycore", Version: "v1.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	tests := []struct {
		name                              string
		info                              *debug.BuildInfo
		version, commit, buildDate        string
		wantVersion, wantCommit, wantDate string
	}{
		{
			name:        "defaults filled from vcs stamp",
			info:        stamped,
			version:     "dev",
			commit:      "unknown",
			buildDate:   "unknown",
			wantVersion: "v1.4.0",
			wantCommit:  "0123456789ab-dirty",
			wantDate:    "2026-10-01T12:00:00Z",
		},
		{
			name:        "ldflags win",
			info:        stamped,
			version:     "v2.0.0",
			commit:      "feedface",
			buildDate:   "2026-10-02",
			wantVersion: "v2.0.0",
			wantCommit:  "feedface",
			wantDate:    "2026-10-02",
		},
		{
			name:        "devel build without stamp",
			info:        &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			version:     "dev",
			commit:      "unknown",
			buildDate:   "unknown",
			wantVersion: "dev",
			wantCommit:  "unknown",
			wantDate:    "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, commit, date := fromBuildInfo(tt.info, tt.version, tt.commit, tt.buildDate)
			if version != tt.wantVersion || commit != tt.wantCommit || date != tt.wantDate {
				t.Errorf("Expected %s/%s/%s, got %s/%s/%s",
					tt.wantVersion, tt.wantCommit, tt.wantDate, version, commit, date)
			}
		})
	}
}

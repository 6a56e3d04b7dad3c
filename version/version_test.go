package version

import (
	"strings"
	"testing"
)

func TestVersion_Default(t *testing.T) {
	// Default version should be "dev"
	if Version != "dev" {
		// Version may be set by ldflags in CI, so just check it's not empty
		if Version == "" {
			t.Error("Version should not be empty")
		}
	}
}

func TestFull_DefaultVersion(t *testing.T) {
	// Save original values
	origVersion := Version
	origCommit := GitCommit
	origBuildTime := BuildTime
	defer func() {
		Version = origVersion
		GitCommit = origCommit
		BuildTime = origBuildTime
	}()

	// Test with just version
	Version = "1.0.0"
	GitCommit = ""
	BuildTime = ""

	result := Full()
	if result != "1.0.0" {
		t.Errorf("Full() = %q, want %q", result, "1.0.0")
	}
}

func TestFull_WithCommit(t *testing.T) {
	origVersion := Version
	origCommit := GitCommit
	origBuildTime := BuildTime
	defer func() {
		Version = origVersion
		GitCommit = origCommit
		BuildTime = origBuildTime
	}()

	Version = "1.0.0"
	GitCommit = "abc1234"
	BuildTime = ""

	result := Full()
	if result != "1.0.0-abc1234" {
		t.Errorf("Full() = %q, want %q", result, "1.0.0-abc1234")
	}
}

func TestFull_Complete(t *testing.T) {
	origVersion := Version
	origCommit := GitCommit
	origBuildTime := BuildTime
	defer func() {
		Version = origVersion
		GitCommit = origCommit
		BuildTime = origBuildTime
	}()

	Version = "1.0.0"
	GitCommit = "abc1234"
	BuildTime = "12:00:00"

	result := Full()
	expected := "1.0.0-abc1234 (12:00:00)"
	if result != expected {
		t.Errorf("Full() = %q, want %q", result, expected)
	}

	// Verify all parts are present
	if !strings.Contains(result, Version) {
		t.Error("Full() should contain Version")
	}
	if !strings.Contains(result, GitCommit) {
		t.Error("Full() should contain GitCommit")
	}
}

func TestParts(t *testing.T) {
	origVersion := Version
	defer func() { Version = origVersion }()

	cases := []struct {
		version string
		major   uint8
		minor   uint8
		patch   uint8
	}{
		{"1.2.3", 1, 2, 3},
		{"v2.0.15", 2, 0, 15},
		{"0.9", 0, 9, 0},
		{"1.2.3-rc1", 1, 2, 3},
		{"dev", 0, 0, 0},
		{"", 0, 0, 0},
	}
	for _, c := range cases {
		Version = c.version
		major, minor, patch := Parts()
		if major != c.major || minor != c.minor || patch != c.patch {
			t.Errorf("Parts(%q) = %d.%d.%d, want %d.%d.%d",
				c.version, major, minor, patch, c.major, c.minor, c.patch)
		}
	}
}

func TestMetadata(t *testing.T) {
	origVersion := Version
	origEnv := EnvName
	origDate := BuildDate
	defer func() {
		Version = origVersion
		EnvName = origEnv
		BuildDate = origDate
	}()

	Version = "1.4.2"
	EnvName = "bench"
	BuildDate = "Jan 02 2026"

	m := Metadata()
	if m.EnvName != "bench" {
		t.Errorf("EnvName = %q", m.EnvName)
	}
	if m.Major != 1 || m.Minor != 4 || m.Patch != 2 {
		t.Errorf("version = %d.%d.%d, want 1.4.2", m.Major, m.Minor, m.Patch)
	}
	if m.BuildDate != "Jan 02 2026" {
		t.Errorf("BuildDate = %q", m.BuildDate)
	}
}

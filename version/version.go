// Package version provides build-time version information for the
// nowlink radio link.
//
// Version is set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-batt/nowlink/version.Version=1.0.0"
//
// For development builds, the default "dev" version is used.
package version

import (
	"strconv"
	"strings"

	"github.com/go-batt/nowlink/lib/wire"
)

// Version is the software version, set at build time via ldflags.
// Example: go build -ldflags "-X github.com/go-batt/nowlink/version.Version=1.0.0"
var Version = "dev"

// EnvName is the firmware build environment advertised in version
// beacons, set at build time via ldflags.
var EnvName = "nowlink"

// GitCommit is the git commit hash, set at build time via ldflags.
// Example: go build -ldflags "-X github.com/go-batt/nowlink/version.GitCommit=$(git rev-parse --short HEAD)"
var GitCommit = ""

// BuildDate is the build date, set at build time via ldflags.
// Example format: "Jan 02 2006".
var BuildDate = ""

// BuildTime is the build clock time, set at build time via ldflags.
// Example format: "15:04:05".
var BuildTime = ""

// Full returns the full version string including commit and build time if available.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// Parts parses Version as major.minor.patch. A leading "v" is allowed.
// Non-numeric versions such as "dev" parse as 0.0.0.
func Parts() (major, minor, patch uint8) {
	v := strings.TrimPrefix(Version, "v")
	fields := strings.SplitN(v, ".", 3)
	parse := func(i int) uint8 {
		if i >= len(fields) {
			return 0
		}
		// Tolerate suffixes like "3-rc1".
		num := strings.SplitN(fields[i], "-", 2)[0]
		n, err := strconv.ParseUint(num, 10, 8)
		if err != nil {
			return 0
		}
		return uint8(n)
	}
	return parse(0), parse(1), parse(2)
}

// Metadata returns the firmware identity record sent in response to a
// metadata request.
func Metadata() wire.MetadataResponse {
	major, minor, patch := Parts()
	return wire.MetadataResponse{
		EnvName:   EnvName,
		Major:     major,
		Minor:     minor,
		Patch:     patch,
		BuildDate: BuildDate,
		BuildTime: BuildTime,
	}
}

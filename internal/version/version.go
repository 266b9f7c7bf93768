// Package version exposes build metadata stamped in with -ldflags -X.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

// AppName is the service name used in logs, metrics, traces and profiles.
const AppName = "paf-admin"

// Set by the release build. Commit and the dates fall back to the VCS
// stamp the go tool embeds.
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app_name"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	i := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		i.merge(bi)
	}
	return i
}

// merge fills gaps from the embedded build info. The toolchain version and
// a parseable vcs.modified always win.
func (i *Info) merge(bi *debug.BuildInfo) {
	i.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "none" {
				i.Commit = s.Value
			}
		case "vcs.time":
			i.CommitDate = s.Value
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			if b, err := strconv.ParseBool(s.Value); err == nil {
				i.VCSDirty = &b
			}
		}
	}
}

func (i Info) dirty() bool { return i.VCSDirty != nil && *i.VCSDirty }

// LogFields is the build metadata as key/value pairs for the startup log.
func (i Info) LogFields() []any {
	return []any{
		"version", i.Version,
		"commit", i.Commit,
		"commit_date", i.CommitDate,
		"build_id", i.BuildId,
		"build_date", i.BuildDate,
		"go_version", i.GoVersion,
		"vcs_dirty", i.dirty(),
	}
}

// String renders the one-line form printed by -V.
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)",
		i.AppName, i.Version, i.Commit, i.CommitDate, i.BuildId, i.BuildDate, i.GoVersion, i.dirty())
}

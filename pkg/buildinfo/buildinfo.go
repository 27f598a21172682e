// Package buildinfo exposes version details stamped into the gemaudit binary.
package buildinfo

import (
	"runtime"
	"runtime/debug"
)

// BinaryVersion is set at build time via -ldflags. Defaults to "dev".
var BinaryVersion = "dev"

// GitCommit is set at build time via -ldflags.
var GitCommit = ""

// ModuleVersion returns the module version embedded by the Go toolchain (when available).
func ModuleVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return ""
}

// Version prefers the ldflags version and falls back to the module version
// for `go install` builds.
func Version() string {
	if BinaryVersion != "dev" && BinaryVersion != "" {
		return BinaryVersion
	}
	if v := ModuleVersion(); v != "" && v != "(devel)" {
		return v
	}
	return "dev"
}

// Info is the payload of `gemaudit version --json`.
type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit,omitempty"`
	GoVersion  string `json:"goVersion"`
	Platform   string `json:"platform"`
	Arch       string `json:"arch"`
	Advisories int    `json:"advisories"`
	Database   string `json:"database,omitempty"`
}

// Current returns build details; advisory fields are filled by the caller.
func Current() Info {
	commit := GitCommit
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	return Info{
		Version:   Version(),
		Commit:    commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

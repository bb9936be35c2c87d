package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/showrunner/errors"
)

// Build information. These variables are set at build time via ldflags.
var (
	// CommitHash is the git commit hash when the binary was built
	CommitHash = "dev"

	// BuildTime is when the binary was built
	BuildTime = "unknown"

	// Version is the semantic version (if tagged)
	Version = "dev"
)

// Info contains version and build information
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	if i.Version != "dev" {
		return fmt.Sprintf("showrunner %s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildTime)
	}
	return fmt.Sprintf("showrunner dev (commit %s, built %s)", i.CommitHash, i.BuildTime)
}

// Short returns a short version string with just the commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// Semver parses the build version. Development builds have none.
func (i Info) Semver() (*semver.Version, error) {
	if i.Version == "dev" {
		return nil, errors.New("development build has no version")
	}
	v, err := semver.NewVersion(i.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid build version %s", i.Version)
	}
	return v, nil
}

// Satisfies checks the build version against a constraint such as ">= 0.4".
// Development builds satisfy every constraint.
func (i Info) Satisfies(constraint string) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "invalid version constraint %s", constraint)
	}
	if i.Version == "dev" {
		return nil
	}
	v, err := i.Semver()
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return errors.Newf("showrunner %s does not satisfy %s", i.Version, constraint)
	}
	return nil
}

package version

import "fmt"

var (
	defaultVersionString = "0.0.0-git"
	versionString        = ""
	commit               = ""
	date                 = ""
)

// Info describes the build of the application. The values are injected at
// link time with -ldflags "-X".
type Info struct {
	Application   string `json:"Application"`
	VersionString string `json:"VersionString"`
	Commit        string `json:"Commit"`
	Date          string `json:"Date"`
}

// NewInfo returns the build information of application.
func NewInfo(application string) *Info {
	return &Info{
		Application:   application,
		VersionString: versionString,
		Commit:        commit,
		Date:          date,
	}
}

// IsDevelopment returns true for builds without an injected version.
func (i *Info) IsDevelopment() bool {
	return i.VersionString == defaultVersionString
}

func (i *Info) String() string {
	res := fmt.Sprintf("%s %s", i.Application, i.VersionString)
	if i.Commit != "" {
		res += " (" + i.Commit + ")"
	}
	if i.Date != "" {
		res += " built " + i.Date
	}
	return res
}

//nolint:gochecknoinits
func init() {
	if versionString == "" {
		versionString = defaultVersionString
	}
}

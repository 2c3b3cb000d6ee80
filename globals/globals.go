package globals

import (
	"github.com/codeblocks/clangd-client/version"
)

var (
	// VersionInfo contains all info injected during build
	VersionInfo = version.NewInfo("clangd-client")
)

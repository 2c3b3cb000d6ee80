package utils

import (
	"os"
	"os/user"
	"path"
	"runtime"
)

// package-level variables for mocking in tests
var (
	userCurrent = user.Current
	getGOOS     = runtime.GOOS
	getEnv      = os.Getenv
)

// GetDefaultConfigPath returns the default path of the configuration file:
// $XDG_CONFIG_HOME/clangd-client/config.yaml when set, otherwise the
// platform configuration directory inside the user home.
func GetDefaultConfigPath() string {
	if xdg := getEnv("XDG_CONFIG_HOME"); xdg != "" && getGOOS != "windows" {
		return path.Join(xdg, "clangd-client", "config.yaml")
	}
	if user, _ := userCurrent(); user != nil {
		return path.Join(user.HomeDir, func() string {
			switch getGOOS {
			case "darwin":
				return "Library/Application Support"
			case "windows":
				return "AppData\\Roaming"
			default:
				return ".config"
			}
		}(), "clangd-client", "config.yaml")
	}
	return ""
}

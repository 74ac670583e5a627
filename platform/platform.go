// Package platform provides cross-platform utilities for directory paths.
package platform

// AppName is the application name used for directory naming
const AppName = "pair3d"

// AppDisplayName is the display name used on Windows and macOS
const AppDisplayName = "Pair3D"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Pair3D
// Linux: ~/.local/share/pair3d
// Falls back to ~/.pair3d if XDG is not available.
func GetDataDir() string {
	return getDataDir()
}

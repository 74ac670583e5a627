package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tiMaxal/pair3d/platform"
)

// MetadataFlags holds the per-namespace include flags for metadata
// propagation.
type MetadataFlags struct {
	EXIF bool `json:"exif"`
	IPTC bool `json:"iptc"`
	XMP  bool `json:"xmp"`
}

// Config holds application configuration: pairing thresholds, output
// formats, naming conventions, and metadata propagation flags.
type Config struct {
	// DestRoot overrides the output root. Empty means a sibling
	// "_3d_<source>" folder next to the source.
	DestRoot string `json:"destRoot"`

	// Formats to generate per pair.
	Formats []string `json:"formats"`

	// TimeDiffThreshold is the max capture-time delta in seconds for
	// two images to pair.
	TimeDiffThreshold float64 `json:"timeDiffThreshold"`

	// HashDiffThreshold is the max perceptual hash bit distance.
	HashDiffThreshold int `json:"hashDiffThreshold"`

	// Recursive processes subfolders of the source.
	Recursive bool `json:"recursive"`

	// FormatSubfolders places each format in its own subfolder.
	FormatSubfolders bool `json:"formatSubfolders"`

	// KeepNames suppresses the per-format filename prefix/suffix when
	// subfolders already disambiguate the format.
	KeepNames bool `json:"keepNames"`

	// JPEGQuality for all encoded outputs.
	JPEGQuality int `json:"jpegQuality"`

	// Metadata namespace include flags.
	Metadata MetadataFlags `json:"metadata"`

	// CatalogPath is the processing-history database. Empty disables
	// the catalog.
	CatalogPath string `json:"catalogPath"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultCatalogPath returns the default history database path.
// Uses the platform-specific data directory.
func DefaultCatalogPath() string {
	return filepath.Join(platform.GetDataDir(), "pair3d.db")
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Formats:           []string{"anaglyph"},
		TimeDiffThreshold: 2.0,
		HashDiffThreshold: 10,
		FormatSubfolders:  true,
		JPEGQuality:       95,
		Metadata:          MetadataFlags{EXIF: true, IPTC: true, XMP: true},
		CatalogPath:       DefaultCatalogPath(),
	}
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// getConfigPath returns the full path to the config.json file.
func getConfigPath() (string, error) {
	configDir := DefaultConfigDir()
	return filepath.Join(configDir, "config.json"), nil
}

// Load reads the config from disk and updates the in-memory config. It
// returns the config and path. If the config file doesn't exist, it
// creates one with default values.
func Load() (Config, string, error) {
	path, err := getConfigPath()
	if err != nil {
		return Config{}, "", err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %v", configDir, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			def := Default()
			savedPath, saveErr := Save(def)
			if saveErr != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %v", saveErr)
			}
			Set(def)
			return def, savedPath, nil
		}
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %v", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %v", err)
	}

	// Merge defaults for any missing fields
	def := Default()
	needsSave := false

	if len(c.Formats) == 0 {
		c.Formats = def.Formats
	}
	if c.TimeDiffThreshold <= 0 {
		c.TimeDiffThreshold = def.TimeDiffThreshold
	}
	if c.HashDiffThreshold <= 0 {
		c.HashDiffThreshold = def.HashDiffThreshold
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.CatalogPath == "" {
		c.CatalogPath = def.CatalogPath
		needsSave = true
	}

	if needsSave {
		if _, saveErr := Save(c); saveErr != nil {
			// Log but don't fail - we can continue with the in-memory config
			fmt.Printf("Warning: failed to save updated config: %v\n", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

// Save writes the config to disk, creating the directory as needed.
// Returns the path.
func Save(c Config) (string, error) {
	path, err := getConfigPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %v", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %v", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %v", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %v", err)
	}
	if err := os.WriteFile(path, mergedData, 0644); err != nil {
		return path, fmt.Errorf("failed to write config file: %v", err)
	}
	Set(c)
	return path, nil
}

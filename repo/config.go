package repo

import (
	"bytes"
	"fmt"

	"github.com/go-git/gcfg"
)

// configFile is the gcfg-decoded shape of the repository's INI config
// (spec §6.1 layout, §6.2 recognized keys). Field tags match gcfg's
// default "lowercased field name, dashes from underscores" convention, so
// the exported Go names read naturally while the wire keys match spec
// exactly.
type configFile struct {
	Core struct {
		RepoVersion            int
		Mode                   string
		Parent                 string
		Fsync                  *bool
		EnableUncompressedCache *bool `gcfg:"enable-uncompressed-cache"`
		TombstoneCommits       *bool `gcfg:"tombstone-commits"`
		TmpExpirySecs          *int  `gcfg:"tmp-expiry-secs"`
	}
}

// Config is the parsed, defaulted, and typed view of the repository
// config file (spec §6.2).
type Config struct {
	RepoVersion             int
	Mode                    Mode
	Parent                  string // absolute path of a fallback-only repo, or ""
	Fsync                   bool
	EnableUncompressedCache bool
	TombstoneCommits        bool
	TmpExpirySecs           int
}

// DefaultConfig returns a Config with every key at its spec §6.2 default,
// RepoVersion 1, and Mode set to ModeBare.
func DefaultConfig() Config {
	return Config{
		RepoVersion:             1,
		Mode:                    ModeBare,
		Fsync:                   true,
		EnableUncompressedCache: true,
		TombstoneCommits:        false,
		TmpExpirySecs:           86400,
	}
}

// parseConfig parses the raw bytes of a repository's config file.
func parseConfig(raw []byte) (Config, error) {
	var cf configFile
	if err := gcfg.ReadInto(&cf, bytes.NewReader(raw)); err != nil {
		return Config{}, fmt.Errorf("repo: parse config: %w", err)
	}

	cfg := DefaultConfig()
	cfg.RepoVersion = cf.Core.RepoVersion
	if cfg.RepoVersion != 1 {
		return Config{}, fmt.Errorf("repo: unsupported core.repo_version %d", cfg.RepoVersion)
	}

	if cf.Core.Mode != "" {
		m, err := ParseMode(cf.Core.Mode)
		if err != nil {
			return Config{}, err
		}
		cfg.Mode = m
	}

	cfg.Parent = cf.Core.Parent
	if cf.Core.Fsync != nil {
		cfg.Fsync = *cf.Core.Fsync
	}
	if cf.Core.EnableUncompressedCache != nil {
		cfg.EnableUncompressedCache = *cf.Core.EnableUncompressedCache
	}
	if cf.Core.TombstoneCommits != nil {
		cfg.TombstoneCommits = *cf.Core.TombstoneCommits
	}
	if cf.Core.TmpExpirySecs != nil {
		cfg.TmpExpirySecs = *cf.Core.TmpExpirySecs
	}

	return cfg, nil
}

// encodeConfig renders cfg back to the INI text spec §6.1 describes.
func encodeConfig(cfg Config) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[core]\n")
	fmt.Fprintf(&buf, "\trepo_version = %d\n", cfg.RepoVersion)
	fmt.Fprintf(&buf, "\tmode = %s\n", cfg.Mode)
	if cfg.Parent != "" {
		fmt.Fprintf(&buf, "\tparent = %s\n", cfg.Parent)
	}
	fmt.Fprintf(&buf, "\tfsync = %t\n", cfg.Fsync)
	fmt.Fprintf(&buf, "\tenable-uncompressed-cache = %t\n", cfg.EnableUncompressedCache)
	fmt.Fprintf(&buf, "\ttombstone-commits = %t\n", cfg.TombstoneCommits)
	fmt.Fprintf(&buf, "\ttmp-expiry-secs = %d\n", cfg.TmpExpirySecs)
	return buf.Bytes()
}

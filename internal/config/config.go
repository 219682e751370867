// Package config loads the CVMFS_* configuration keys a mounted repository
// consumes (spec §6) through viper, with CVMFS_ environment-variable
// binding and an optional key=value config file, the way
// marmos91-dnfs/pkg/config loads its own DITTOFS_*-prefixed configuration.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/bbockelm/cvmfs/internal/fsops"
)

// Config is the resolved set of CVMFS_* keys (spec §6, "Configuration keys
// (consumed, not owned)"). The core only reads these; nothing in this
// repository writes /etc/cvmfs/default.conf or any other upstream config
// surface.
type Config struct {
	MemcacheSize int64 `mapstructure:"memcache_size" validate:"gte=0"`

	Timeout       int `mapstructure:"timeout" validate:"gte=1"`
	TimeoutDirect int `mapstructure:"timeout_direct" validate:"gte=1"`
	MaxRetries    int `mapstructure:"max_retries" validate:"gte=0"`

	BackoffInitMs int `mapstructure:"backoff_init" validate:"gte=0"`
	BackoffMaxMs  int `mapstructure:"backoff_max" validate:"gtefield=BackoffInitMs"`

	MaxTTLSeconds        int `mapstructure:"max_ttl" validate:"gte=0"`
	KCacheTimeoutSeconds int `mapstructure:"kcache_timeout" validate:"gte=0"`

	QuotaLimitMB int64 `mapstructure:"quota_limit" validate:"gte=-1"`

	HTTPProxy string `mapstructure:"http_proxy"`

	KeysDir   string `mapstructure:"keys_dir"`
	PublicKey string `mapstructure:"public_key"`

	RootHash      string `mapstructure:"root_hash" validate:"omitempty,hexadecimal"`
	RepositoryTag string `mapstructure:"repository_tag"`

	NFSSource bool   `mapstructure:"nfs_source"`
	NFSShared string `mapstructure:"nfs_shared"`

	AutoUpdate bool `mapstructure:"auto_update"`

	// ServerURL may contain the "@org@"/"@fqrn@" placeholders substituted
	// by ResolveServerURL.
	ServerURL string `mapstructure:"server_url" validate:"required,url_or_placeholder"`

	CacheBase   string `mapstructure:"cache_base" validate:"required"`
	SharedCache bool   `mapstructure:"shared_cache"`

	UIDMap string `mapstructure:"uid_map"`
	GIDMap string `mapstructure:"gid_map"`

	// Lower-tier object store: not part of upstream cvmfs's own
	// configuration surface, but this rewrite's TieredCache lower layer
	// is S3-backed, so its connection parameters live alongside the rest
	// of the consumed configuration.
	LowerBucket          string `mapstructure:"lower_bucket"`
	LowerRegion          string `mapstructure:"lower_region"`
	LowerEndpoint        string `mapstructure:"lower_endpoint"`
	LowerKeyPrefix       string `mapstructure:"lower_key_prefix"`
	LowerReadOnly        bool   `mapstructure:"lower_read_only"`
	LowerAccessKeyID     string `mapstructure:"lower_access_key_id"`
	LowerSecretAccessKey string `mapstructure:"lower_secret_access_key"`

	// Fqrn is the fully qualified repository name, e.g. "atlas.cern.ch".
	// It is not itself a CVMFS_* key; it is the mount target passed on the
	// command line (spec §6's "lock.<fqrn>" family of cache-directory
	// names all key off it).
	Fqrn string `mapstructure:"-" validate:"required"`
}

// envPrefix is the viper environment-variable prefix: CVMFS_MEMCACHE_SIZE,
// CVMFS_TIMEOUT, and so on, matching spec §6 verbatim.
const envPrefix = "CVMFS"

// Load builds a viper instance bound to CVMFS_* environment variables and,
// if configPath is non-empty, a key=value config file in the style of
// /etc/cvmfs/config.d/<fqrn>.conf, then unmarshals, defaults, and validates
// the result.
func Load(fqrn, configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Fqrn = fqrn

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// configKeys lists every mapstructure key the Config struct binds, used to
// explicitly register each one with viper: AutomaticEnv alone only affects
// direct Get calls, not Unmarshal, so every key needs its own BindEnv.
var configKeys = []string{
	"memcache_size", "timeout", "timeout_direct", "max_retries",
	"backoff_init", "backoff_max", "max_ttl", "kcache_timeout",
	"quota_limit", "http_proxy", "keys_dir", "public_key",
	"root_hash", "repository_tag", "nfs_source", "nfs_shared",
	"auto_update", "server_url", "cache_base", "shared_cache",
	"uid_map", "gid_map",
	"lower_bucket", "lower_region", "lower_endpoint", "lower_key_prefix", "lower_read_only",
	"lower_access_key_id", "lower_secret_access_key",
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("env")
	}
}

// cvmfsKeyPrefix is the on-disk key prefix (lowercased by viper's "env"
// config codec): the file holds CVMFS_SERVER_URL=..., which viper parses as
// key "cvmfs_server_url".
const cvmfsKeyPrefix = "cvmfs_"

func readConfigFile(v *viper.Viper, configPath string) error {
	if configPath == "" {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Re-home every "cvmfs_*" key read from the file onto its unprefixed
	// mapstructure key, mirroring how CVMFS_* env vars already map via
	// SetEnvPrefix.
	for k, val := range v.AllSettings() {
		if name, ok := strings.CutPrefix(k, cvmfsKeyPrefix); ok {
			v.Set(name, val)
		}
	}
	return nil
}

// ResolveServerURL substitutes the "@org@" and "@fqrn@" placeholders
// CVMFS_SERVER_URL may carry (spec §6). The organization is the fqrn's
// leading label, e.g. "atlas" out of "atlas.cern.ch"; a bare fqrn with no
// dot is its own organization.
func (c *Config) ResolveServerURL() string {
	org := c.Fqrn
	if i := strings.IndexByte(c.Fqrn, '.'); i >= 0 {
		org = c.Fqrn[:i]
	}
	r := strings.NewReplacer("@org@", org, "@fqrn@", c.Fqrn)
	return r.Replace(c.ServerURL)
}

// FsOpsOptions projects the resolved configuration onto the upcall layer's
// Options, the one place the ambient CVMFS_* keys cross into the read-side
// core proper.
func (c *Config) FsOpsOptions(version string, logger *logrus.Entry) fsops.Options {
	host := c.HTTPProxy
	if u, err := url.Parse(c.ResolveServerURL()); err == nil {
		host = u.Host
	}
	return fsops.Options{
		Version:       version,
		Fqrn:          c.Fqrn,
		Proxy:         c.HTTPProxy,
		Host:          host,
		Timeout:       c.Timeout,
		TimeoutDirect: c.TimeoutDirect,
		CacheDir:      c.CacheBase,
		Logger:        logger,
	}
}

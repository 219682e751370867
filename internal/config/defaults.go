package config

// ApplyDefaults fills in zero-valued fields with the stock defaults the
// CernVM-FS client ships, matching marmos91-dnfs's ApplyDefaults strategy:
// zero values are replaced, explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.MemcacheSize == 0 {
		cfg.MemcacheSize = 16 * 1024 * 1024 // 16MB
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5
	}
	if cfg.TimeoutDirect == 0 {
		cfg.TimeoutDirect = 10
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffInitMs == 0 {
		cfg.BackoffInitMs = 2000
	}
	if cfg.BackoffMaxMs == 0 {
		cfg.BackoffMaxMs = 10000
	}
	if cfg.MaxTTLSeconds == 0 {
		cfg.MaxTTLSeconds = 240 * 60
	}
	if cfg.KCacheTimeoutSeconds == 0 {
		cfg.KCacheTimeoutSeconds = 60
	}
	if cfg.QuotaLimitMB == 0 {
		cfg.QuotaLimitMB = -1 // unmanaged: Statfs falls back to host stats
	}
	if cfg.CacheBase == "" {
		cfg.CacheBase = "/var/lib/cvmfs"
	}
	if cfg.KeysDir == "" && cfg.PublicKey == "" {
		cfg.KeysDir = "/etc/cvmfs/keys"
	}
	if cfg.LowerBucket == "" {
		cfg.LowerBucket = "cvmfs-cache"
	}
	if cfg.LowerRegion == "" {
		cfg.LowerRegion = "us-east-1"
	}
}

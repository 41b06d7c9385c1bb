package config

// Default values for configuration options: layer 0 of the override chain.
const (
	defaultRedirectURL  = "http://localhost:5000"
	defaultRemoteFolder = "/Apps/Rakuten Kobo"
	defaultChunkSize    = "4MiB"
	defaultMaxRetries   = 3
	defaultTargetName   = "Daily-RSS.epub"
	defaultLogLevel     = "info"
	defaultLogFormat    = "auto"
	defaultTimeout      = "60s"
	defaultUserAgent    = "rss-kobo/1.0"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
// Token and ledger paths stay empty here and resolve against the data
// directory in Resolve.
func DefaultConfig() *Config {
	return &Config{
		Dropbox: DropboxConfig{
			RedirectURL:  defaultRedirectURL,
			RemoteFolder: defaultRemoteFolder,
		},
		Upload: UploadConfig{
			ChunkSize:  defaultChunkSize,
			MaxRetries: defaultMaxRetries,
			TargetName: defaultTargetName,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			Timeout:   defaultTimeout,
			UserAgent: defaultUserAgent,
		},
	}
}

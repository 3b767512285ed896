package config

const (
	defaultQuality        = "MP3_128"
	defaultTimeoutSeconds = 30
	defaultMulticastGroup = "239.255.0.42:8042"
	defaultBufferSeconds  = 0.5
	defaultChunkSize      = 1024
	defaultServerAddr     = "127.0.0.1:8043"
	defaultLogLevel       = "info"
	defaultEnvironment    = "production"
)

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		Deezer: Deezer{
			Quality:        defaultQuality,
			TimeoutSeconds: defaultTimeoutSeconds,
		},
		Cast: Cast{
			MulticastGroup: defaultMulticastGroup,
			BufferSeconds:  defaultBufferSeconds,
			ChunkSize:      defaultChunkSize,
		},
		Server: Server{
			Addr: defaultServerAddr,
		},
		Logging: Logging{
			Level:       defaultLogLevel,
			Environment: defaultEnvironment,
		},
	}
}

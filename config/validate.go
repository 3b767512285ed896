package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aposazhennikov/lancast/catalog"
)

// ErrMissingSecret is returned when a setting needed to stream is empty.
var ErrMissingSecret = errors.New("missing secret")

// Validate ensures the configuration is usable. Secrets are checked by
// RequireSecrets since some commands run without them.
func (c *Config) Validate() error {
	if _, err := catalog.ParseQuality(c.Deezer.Quality); err != nil {
		return fmt.Errorf("deezer.quality: %w", err)
	}
	if c.Deezer.TimeoutSeconds <= 0 {
		return errors.New("deezer.timeout_seconds must be positive")
	}
	if err := c.validateCast(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	return nil
}

func (c *Config) validateCast() error {
	host, _, err := net.SplitHostPort(c.Cast.MulticastGroup)
	if err != nil {
		return fmt.Errorf("cast.multicast_group: %w", err)
	}
	if ip := net.ParseIP(host); ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("cast.multicast_group: %q is not an IPv4 multicast address", host)
	}
	if c.Cast.BufferSeconds <= 0 {
		return errors.New("cast.buffer_seconds must be positive")
	}
	if c.Cast.ChunkSize <= 0 || c.Cast.ChunkSize > 65507 {
		return errors.New("cast.chunk_size must be between 1 and 65507")
	}
	return nil
}

// RequireSecrets checks the account settings needed to resolve and decode
// tracks.
func (c *Config) RequireSecrets() error {
	if strings.TrimSpace(c.Deezer.ARL) == "" {
		return fmt.Errorf("%w: deezer.arl (or %sARL)", ErrMissingSecret, EnvPrefix)
	}
	if len(c.Deezer.BlowfishSecret) < 16 {
		return fmt.Errorf("%w: deezer.blowfish_secret must be at least 16 bytes (or %sBLOWFISH_SECRET)", ErrMissingSecret, EnvPrefix)
	}
	return nil
}

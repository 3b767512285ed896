package config

import (
	"fmt"
	"strconv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LANCAST_"

type lookupFunc func(string) (string, bool)

// applyEnv overrides fields from LANCAST_* variables. LOG_LEVEL and
// SENTRY_DSN are honoured too when the prefixed variable is not set.
func (c *Config) applyEnv(lookup lookupFunc) error {
	texts := []struct {
		keys   []string
		target *string
	}{
		{[]string{EnvPrefix + "ARL"}, &c.Deezer.ARL},
		{[]string{EnvPrefix + "BLOWFISH_SECRET"}, &c.Deezer.BlowfishSecret},
		{[]string{EnvPrefix + "QUALITY"}, &c.Deezer.Quality},
		{[]string{EnvPrefix + "MULTICAST_GROUP"}, &c.Cast.MulticastGroup},
		{[]string{EnvPrefix + "HTTP_ADDR"}, &c.Server.Addr},
		{[]string{EnvPrefix + "QUEUE_FILE"}, &c.Server.QueueFile},
		{[]string{EnvPrefix + "HTTP_TOKEN"}, &c.Server.Token},
		{[]string{EnvPrefix + "LOG_LEVEL", "LOG_LEVEL"}, &c.Logging.Level},
		{[]string{EnvPrefix + "SENTRY_DSN", "SENTRY_DSN"}, &c.Logging.SentryDSN},
		{[]string{EnvPrefix + "ENVIRONMENT"}, &c.Logging.Environment},
	}
	for _, s := range texts {
		if value, ok := firstSet(lookup, s.keys); ok {
			*s.target = value
		}
	}

	ints := []struct {
		key    string
		target *int
	}{
		{EnvPrefix + "CHUNK_SIZE", &c.Cast.ChunkSize},
		{EnvPrefix + "HTTP_TIMEOUT", &c.Deezer.TimeoutSeconds},
	}
	for _, i := range ints {
		value, ok := lookup(i.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", i.key, err)
		}
		*i.target = n
	}

	if value, ok := lookup(EnvPrefix + "BUFFER_SECONDS"); ok {
		seconds, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%sBUFFER_SECONDS: %w", EnvPrefix, err)
		}
		c.Cast.BufferSeconds = seconds
	}
	return nil
}

func firstSet(lookup lookupFunc, keys []string) (string, bool) {
	for _, key := range keys {
		if value, ok := lookup(key); ok && value != "" {
			return value, true
		}
	}
	return "", false
}

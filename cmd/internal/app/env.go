package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envPrefix namespaces every variable the server reads.
const envPrefix = "PARLEY_"

func lookupEnv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

// EnvString reads PARLEY_<key> with a default.
func EnvString(key, def string) string {
	if v := lookupEnv(key); v != "" {
		return v
	}
	return def
}

// EnvBool reads PARLEY_<key> as a bool. Unparseable values fall back to def.
func EnvBool(key string, def bool) bool {
	b, err := strconv.ParseBool(lookupEnv(key))
	if err != nil {
		return def
	}
	return b
}

// EnvInt reads a positive int.
func EnvInt(key string, def int) int {
	n, err := strconv.Atoi(lookupEnv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvInt32 reads a non-negative int32.
func EnvInt32(key string, def int32) int32 {
	n, err := strconv.ParseInt(lookupEnv(key), 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// EnvInt64 reads a positive int64 (byte sizes).
func EnvInt64(key string, def int64) int64 {
	n, err := strconv.ParseInt(lookupEnv(key), 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvDuration reads a positive Go duration ("15s", "2m").
func EnvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(lookupEnv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// EnvCSV reads a comma separated list, dropping empty items.
func EnvCSV(key, def string) []string {
	raw := lookupEnv(key)
	if raw == "" {
		raw = def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package password

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the baseline used by signup, login and settings updates.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      256,
			RejectVeryWeak: true,
		},
	}
}

// FromEnv loads config from environment variables on top of DefaultConfig.
//
//	PARLEY_PASSWORD_MIN_LEN, PARLEY_PASSWORD_MAX_LEN, PARLEY_PASSWORD_REJECT_VERY_WEAK
//	PARLEY_ARGON2_MEMORY_KIB, PARLEY_ARGON2_ITERATIONS, PARLEY_ARGON2_PARALLELISM
//	PARLEY_ARGON2_SALT_LEN, PARLEY_ARGON2_KEY_LEN
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	r := envReader{}

	r.int("PARLEY_PASSWORD_MIN_LEN", 1, 1024, &cfg.Policy.MinLength)
	r.int("PARLEY_PASSWORD_MAX_LEN", 1, 4096, &cfg.Policy.MaxLength)
	r.bool("PARLEY_PASSWORD_REJECT_VERY_WEAK", &cfg.Policy.RejectVeryWeak)

	r.u32("PARLEY_ARGON2_MEMORY_KIB", 8*1024, 1024*1024, &cfg.Params.MemoryKiB)
	r.u32("PARLEY_ARGON2_ITERATIONS", 1, 20, &cfg.Params.Iterations)
	r.u8("PARLEY_ARGON2_PARALLELISM", 1, 64, &cfg.Params.Parallelism)
	r.u32("PARLEY_ARGON2_SALT_LEN", 8, 64, &cfg.Params.SaltLength)
	r.u32("PARLEY_ARGON2_KEY_LEN", 16, 64, &cfg.Params.KeyLength)

	if r.err != nil {
		return Config{}, r.err
	}
	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength,
			cfg.Policy.MaxLength,
		)
	}
	return cfg, nil
}

// envReader applies optional env overrides and keeps the first error.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) fail(key string, err error) {
	r.err = fmt.Errorf("%s: %w", key, err)
}

func (r *envReader) int(key string, minVal, maxVal int, dst *int) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		r.fail(key, errors.New("not an integer"))
		return
	}
	if int(n) < minVal || int(n) > maxVal {
		r.fail(key, fmt.Errorf("out of range [%d..%d]", minVal, maxVal))
		return
	}
	*dst = int(n)
}

func (r *envReader) u32(key string, minVal, maxVal uint32, dst *uint32) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		r.fail(key, errors.New("not an unsigned integer"))
		return
	}
	u := uint32(n)
	if u < minVal || u > maxVal {
		r.fail(key, fmt.Errorf("out of range [%d..%d]", minVal, maxVal))
		return
	}
	*dst = u
}

func (r *envReader) u8(key string, minVal, maxVal uint32, dst *uint8) {
	var u uint32
	before := r.err
	r.u32(key, minVal, maxVal, &u)
	if r.err != before || u == 0 {
		return
	}
	if u > math.MaxUint8 {
		r.fail(key, fmt.Errorf("out of range [0..%d]", math.MaxUint8))
		return
	}
	*dst = uint8(u)
}

func (r *envReader) bool(key string, dst *bool) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		r.fail(key, errors.New("invalid boolean"))
	}
}

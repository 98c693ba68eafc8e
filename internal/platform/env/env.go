// Package env reads typed configuration values from the process environment.
// Unset variables fall back to the given default; malformed values are errors
// naming the variable.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	return parse(key, def, time.ParseDuration)
}

func Bool(key string, def bool) (bool, error) {
	return parse(key, def, strconv.ParseBool)
}

func Int(key string, def int) (int, error) {
	return parse(key, def, strconv.Atoi)
}

func Float(key string, def float64) (float64, error) {
	return parse(key, def, func(v string) (float64, error) {
		return strconv.ParseFloat(v, 64)
	})
}

func parse[T any](key string, def T, fn func(string) (T, error)) (T, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	out, err := fn(strings.TrimSpace(v))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse %s: %w", key, err)
	}
	return out, nil
}

package flagx

import (
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// EnvString sets *dst to the first non-empty variable among keys.
func EnvString(lookup LookupFunc, dst *string, keys ...string) {
	for _, k := range keys {
		if v, ok := lookup(k); ok && v != "" {
			*dst = v
			return
		}
	}
}

// EnvInt is EnvString for integers. A malformed value is an error.
func EnvInt(lookup LookupFunc, dst *int, keys ...string) error {
	for _, k := range keys {
		v, ok := lookup(k)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env %s: %w", k, err)
		}
		*dst = n
		return nil
	}
	return nil
}

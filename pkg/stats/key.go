package stats

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxKeyLength bounds statistic keys to the width of the stat_key column
const MaxKeyLength = 64

var (
	// ErrInvalidKey is returned for keys that cannot be stored
	ErrInvalidKey = errors.New("invalid statistic key")

	keyPattern = regexp.MustCompile(`^[a-z0-9_:.\-]+$`)
)

// NormalizeKey trims, strips placeholder percent signs and lower-cases a key.
// "%Player_Kills%" and "player_kills" name the same statistic.
func NormalizeKey(raw string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(raw, "%", "")))
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return "", fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidKey, key, MaxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return key, nil
}

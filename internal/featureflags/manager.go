// Package featureflags evaluates on/off and percentage rollout flags.
package featureflags

import (
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
)

// Known flags.
const (
	// MediaUploads allows attaching files to messages.
	MediaUploads = "media_uploads"
	// VideoCalls allows call signaling through the relay.
	VideoCalls = "video_calls"
)

// Defaults is used when FEATURE_FLAGS is unset.
const Defaults = MediaUploads + "=on," + VideoCalls + "=on"

// rule is a parsed flag value. percent is 0 for off and 100 for on.
type rule struct {
	raw     string
	percent int
}

// Manager holds flags parsed from a "name=value,..." list such as
// "media_uploads=on,video_calls=25%". Unlisted flags are off.
type Manager struct {
	rules map[string]rule
}

// NewManager parses raw. Malformed entries are logged and skipped.
func NewManager(raw string) *Manager {
	m := &Manager{rules: make(map[string]rule)}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, value, ok := strings.Cut(entry, "=")
		name, value = normalize(name), normalize(value)
		if !ok || name == "" || value == "" {
			slog.Warn("ignoring malformed feature flag", slog.String("entry", entry))
			continue
		}
		pct, ok := parsePercent(value)
		if !ok {
			slog.Warn("ignoring feature flag with unknown value",
				slog.String("flag", name), slog.String("value", value))
			continue
		}
		m.rules[name] = rule{raw: value, percent: pct}
	}
	return m
}

func parsePercent(value string) (int, bool) {
	switch value {
	case "on", "true", "1":
		return 100, true
	case "off", "false", "0":
		return 0, true
	}
	digits, ok := strings.CutSuffix(value, "%")
	if !ok {
		return 0, false
	}
	pct, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return min(max(pct, 0), 100), true
}

// Enabled reports whether name is on for userID. A partial rollout buckets
// users deterministically and never includes the anonymous user 0.
func (m *Manager) Enabled(name string, userID uint) bool {
	if m == nil {
		return false
	}
	r, ok := m.rules[normalize(name)]
	switch {
	case !ok || r.percent == 0:
		return false
	case r.percent == 100:
		return true
	case userID == 0:
		return false
	}
	return bucket(normalize(name), userID) < r.percent
}

// Raw returns the configured value of every parsed flag.
func (m *Manager) Raw() map[string]string {
	out := make(map[string]string, len(m.rules))
	for name, r := range m.rules {
		out[name] = r.raw
	}
	return out
}

// Snapshot evaluates every parsed flag for userID.
func (m *Manager) Snapshot(userID uint) map[string]bool {
	out := make(map[string]bool, len(m.rules))
	for name := range m.rules {
		out[name] = m.Enabled(name, userID)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func bucket(name string, userID uint) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(strconv.FormatUint(uint64(userID), 10)))
	return int(h.Sum32() % 100)
}

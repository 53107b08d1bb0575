package featureflags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnabled(t *testing.T) {
	m := NewManager("a=on,b=off,c=true,d=false,e=1,f=0,all=100%,none=0%,over=250%")

	tests := []struct {
		flag string
		want bool
	}{
		{"a", true},
		{"b", false},
		{"c", true},
		{"d", false},
		{"e", true},
		{"f", false},
		{"all", true},
		{"none", false},
		{"over", true},
		{"missing", false},
		{" A ", true},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Enabled(tt.flag, 1))
		})
	}
}

func TestEnabled_RolloutIsDeterministic(t *testing.T) {
	m := NewManager("canary=25%")

	first := m.Enabled("canary", 42)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, m.Enabled("canary", 42))
	}
	assert.False(t, m.Enabled("canary", 0), "anonymous users are never in a partial rollout")

	enabled := 0
	for id := uint(1); id <= 1000; id++ {
		if m.Enabled("canary", id) {
			enabled++
		}
	}
	assert.InDelta(t, 250, enabled, 80)
}

func TestNewManager_SkipsMalformedEntries(t *testing.T) {
	m := NewManager(" bad ,x=on, y = 20% ,z=off,w=maybe,=on,q=%")

	assert.Equal(t, map[string]string{"x": "on", "y": "20%", "z": "off"}, m.Raw())
	assert.Len(t, m.Snapshot(123), 3)
	assert.True(t, m.Snapshot(123)["x"])
	assert.False(t, m.Snapshot(123)["z"])
}

func TestKnownFlagDefaults(t *testing.T) {
	m := NewManager(Defaults)
	assert.True(t, m.Enabled(MediaUploads, 7))
	assert.True(t, m.Enabled(VideoCalls, 7))

	off := NewManager("video_calls=off")
	assert.False(t, off.Enabled(VideoCalls, 7))
	assert.False(t, off.Enabled(MediaUploads, 7), "unlisted flags are off")
}

func TestNilManagerIsDisabled(t *testing.T) {
	var m *Manager
	assert.False(t, m.Enabled(VideoCalls, 1))
}

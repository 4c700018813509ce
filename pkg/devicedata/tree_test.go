package devicedata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() *Tree {
	t := New()
	t.SetValue("Device.WiFi.SSID.1.SSID", "home", TypeString, 100)
	t.SetValue("Device.WiFi.SSID.2.SSID", "guest", TypeString, 100)
	t.SetValue("Device.DeviceInfo.SoftwareVersion", "1.0", TypeString, 100)
	t.ResetChanges()
	return t
}

func TestSetValueCreatesAncestors(t *testing.T) {
	tree := sampleTree()

	p := tree.Get("Device.WiFi.SSID.1")
	require.NotNil(t, p)
	assert.True(t, p.IsObject())
	assert.False(t, tree.Get("Device.WiFi.SSID.1.SSID").IsObject())
	assert.Equal(t, []string{"Device.WiFi.SSID.1", "Device.WiFi.SSID.2"}, tree.Children("Device.WiFi.SSID"))
}

func TestSetValueChangeTracking(t *testing.T) {
	tree := sampleTree()
	v := tree.Version()

	assert.False(t, tree.SetValue("Device.WiFi.SSID.1.SSID", "home", TypeString, 200))
	assert.Equal(t, v, tree.Version(), "timestamp refresh must not bump version")
	assert.True(t, tree.Dirty())
	assert.Empty(t, tree.Changes())

	assert.True(t, tree.SetValue("Device.WiFi.SSID.1.SSID", "office", TypeString, 200))
	assert.Greater(t, tree.Version(), v)
	assert.Equal(t, []string{"Device.WiFi.SSID.1.SSID"}, tree.Changes())
	assert.Equal(t, int64(200), tree.Get("Device.WiFi.SSID.1.SSID").Value.Timestamp)
}

func TestMatch(t *testing.T) {
	tree := sampleTree()

	tests := []struct {
		pattern string
		want    []string
	}{
		{"Device.WiFi.SSID.*.SSID", []string{"Device.WiFi.SSID.1.SSID", "Device.WiFi.SSID.2.SSID"}},
		{"Device.WiFi.SSID.*", []string{"Device.WiFi.SSID.1", "Device.WiFi.SSID.2"}},
		{"Device.DeviceInfo.SoftwareVersion", []string{"Device.DeviceInfo.SoftwareVersion"}},
		{"Device.Missing", nil},
		{"*.*.SoftwareVersion", []string{"Device.DeviceInfo.SoftwareVersion"}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, tree.Match(tt.pattern))
		})
	}
}

func TestDeleteSubtree(t *testing.T) {
	tree := sampleTree()
	tree.SetDiscovered("Device.WiFi.SSID.2", 100)

	tree.Delete("Device.WiFi.SSID.2")

	assert.Nil(t, tree.Get("Device.WiFi.SSID.2"))
	assert.Nil(t, tree.Get("Device.WiFi.SSID.2.SSID"))
	assert.NotNil(t, tree.Get("Device.WiFi.SSID.1.SSID"))
	assert.Zero(t, tree.DiscoveredAt("Device.WiFi.SSID.2"))
	assert.Contains(t, tree.Changes(), "Device.WiFi.SSID.2.SSID")
}

func TestClear(t *testing.T) {
	tree := sampleTree()
	tree.SetValue("Device.WiFi.SSID.1.SSID", "home", TypeString, 300)
	tree.SetDiscovered("Device.WiFi.SSID", 100)

	tree.Clear("Device.WiFi", 200, nil)

	assert.Equal(t, int64(300), tree.Get("Device.WiFi.SSID.1.SSID").Value.Timestamp, "newer timestamps survive")
	assert.Zero(t, tree.Get("Device.WiFi.SSID.2.SSID").Value.Timestamp)
	assert.Zero(t, tree.Get("Device.WiFi.SSID.2.SSID").Timestamp)
	assert.Zero(t, tree.DiscoveredAt("Device.WiFi.SSID"))
	assert.Equal(t, int64(100), tree.Get("Device.DeviceInfo.SoftwareVersion").Value.Timestamp)
}

func TestClearSelectedAttributes(t *testing.T) {
	tree := sampleTree()
	tree.SetWritable("Device.WiFi.SSID.1.SSID", true, 100)

	tree.Clear("Device.WiFi.SSID.1.SSID", 200, map[string]bool{"value": true})

	p := tree.Get("Device.WiFi.SSID.1.SSID")
	assert.Zero(t, p.Value.Timestamp)
	assert.Equal(t, int64(100), p.Writable.Timestamp)
	assert.Equal(t, int64(100), p.Timestamp)
}

func TestTreeSurvivesJSON(t *testing.T) {
	tree := sampleTree()
	tree.SetValue("Device.WiFi.SSID.1.SSID", "office", TypeString, 200)

	data, err := json.Marshal(tree)
	require.NoError(t, err)

	var decoded Tree
	require.NoError(t, json.Unmarshal(data, &decoded))
	decoded.Init()

	assert.True(t, decoded.Dirty())
	assert.Equal(t, tree.Version(), decoded.Version())
	assert.Equal(t, "office", decoded.Get("Device.WiFi.SSID.1.SSID").Value.Value)
}

func TestNativeAndFormat(t *testing.T) {
	assert.Equal(t, true, Native("1", TypeBoolean))
	assert.Equal(t, int64(42), Native("42", TypeUnsigned))
	assert.Equal(t, "abc", Native("abc", TypeString))

	s, typ := Format(true, "")
	assert.Equal(t, "true", s)
	assert.Equal(t, TypeBoolean, typ)

	s, typ = Format(float64(7), "")
	assert.Equal(t, "7", s)
	assert.Equal(t, TypeInt, typ)

	s, typ = Format("0", TypeBoolean)
	assert.Equal(t, "false", s)
	assert.Equal(t, TypeBoolean, typ)

	s, typ = Format(int64(1_700_000_000_123), TypeDateTime)
	assert.Equal(t, "2023-11-14T22:13:20.123Z", s)
	assert.Equal(t, TypeDateTime, typ)
	assert.Equal(t, int64(1_700_000_000_123), Native(s, TypeDateTime))
}

func TestCompare(t *testing.T) {
	c, ok := Compare(int64(3), float64(10))
	assert.True(t, ok)
	assert.Equal(t, -1, c)

	c, ok = Compare("b", "a")
	assert.True(t, ok)
	assert.Equal(t, 1, c)

	_, ok = Compare(true, "x")
	assert.False(t, ok)
}

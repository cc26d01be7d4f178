package mapcss

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStylesDefaults(t *testing.T) {
	ss := mustParse(t, `
way[highway] { width: 2; color: red; }
area[building] { fill-color: grey; fill-position: background; }
node[place] { text: name; }
way[barrier] { linecap: nonsense; }
`)
	opts := StyleOptions{}

	line := opts.BuildStyles(ss.Resolve(TagMap{"highway": "x"}, RoleLine, 12), RoleLine)
	require.Len(t, line, 1)
	assert.Equal(t, 3.0, line[0].ZIndex)
	assert.True(t, line[0].HasStroke())
	assert.True(t, line[0].ForegroundFill)
	assert.Equal(t, CapButt, line[0].LineCap)
	assert.Equal(t, JoinRound, line[0].LineJoin)
	assert.True(t, line[0].DashCaps)

	closed := opts.BuildStyles(ss.Resolve(TagMap{"highway": "x"}, RoleArea, 12), RoleArea)
	require.Len(t, closed, 1)
	assert.Equal(t, 1.0, closed[0].ZIndex)

	area := opts.BuildStyles(ss.Resolve(TagMap{"building": "yes"}, RoleArea, 12), RoleArea)
	require.Len(t, area, 1)
	assert.False(t, area[0].ForegroundFill)
	assert.False(t, area[0].HasStroke())

	label := opts.BuildStyles(ss.Resolve(TagMap{"place": "town"}, RoleNode, 12), RoleNode)
	require.Len(t, label, 1)
	assert.Equal(t, "name", label[0].TextKey)
	assert.Equal(t, DefaultFontSize, label[0].FontSize)
	assert.Equal(t, color.NRGBA{A: 0xff}, label[0].TextColor)

	// Nothing drawable: dropped.
	assert.Empty(t, opts.BuildStyles(ss.Resolve(TagMap{"barrier": "fence"}, RoleLine, 12), RoleLine))
}

func TestCasingWidth(t *testing.T) {
	ss := mustParse(t, `
way[a] { width: 4; casing-width: 1; casing-color: black; color: white; }
way[b] { width: 4; casing-width: eval(prop("width") + 2); casing-color: black; color: white; }
way[c] { width: 6; color: white; }
way[c]::outer { casing-width: 1; casing-color: black; }
`)
	tests := []struct {
		name   string
		tags   TagMap
		flavor Flavor
		layer  int
		want   float64
	}{
		{"josm number", TagMap{"a": "1"}, FlavorJOSM, 0, 4 + 2*1},
		{"mapsme number", TagMap{"a": "1"}, FlavorMapsMe, 0, 4 + 1},
		{"josm eval", TagMap{"b": "1"}, FlavorJOSM, 0, 4 + 2*(4+2)},
		{"base layer width", TagMap{"c": "1"}, FlavorJOSM, 1, 6 + 2*1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			styles := StyleOptions{Flavor: tt.flavor}.BuildStyles(ss.Resolve(tt.tags, RoleLine, 12), RoleLine)
			require.Greater(t, len(styles), tt.layer)
			assert.InDelta(t, tt.want, styles[tt.layer].CasingWidth, 1e-9)
			assert.True(t, styles[tt.layer].HasCasing())
		})
	}
}

func TestFontScaleAndFlavor(t *testing.T) {
	ss := mustParse(t, `node[name] { text: name; font-size: 12; dashes: 0, 0; }`)
	styles := StyleOptions{Flavor: FlavorMapsMe, FontScale: 1.5}.BuildStyles(
		ss.Resolve(TagMap{"name": "x"}, RoleNode, 10), RoleNode)
	require.Len(t, styles, 1)
	assert.Equal(t, 18.0, styles[0].FontSize)
	assert.False(t, styles[0].DashCaps)
	assert.Nil(t, styles[0].Dashes, "all-zero dash pattern is ignored")

	f, err := ParseFlavor("MapsMe")
	require.NoError(t, err)
	assert.Equal(t, FlavorMapsMe, f)
	_, err = ParseFlavor("mapnik")
	assert.Error(t, err)
}

func TestCacheKeyIgnoresIrrelevantTags(t *testing.T) {
	ss := mustParse(t, `
way[highway=primary] { width: 3; color: red; }
way[bridge] { casing-width: 1; casing-color: black; }
`)
	c := NewCache(ss, StyleOptions{})

	a := c.Styles(TagMap{"highway": "primary", "name": "A Street"}, RoleLine, 12)
	b := c.Styles(TagMap{"highway": "primary", "name": "B Street", "surface": "asphalt"}, RoleLine, 12)
	assert.Equal(t, a, b)
	assert.Equal(t, CacheStats{Entries: 1, Hits: 1, Misses: 1}, c.Stats())

	// bridge is existence-only: its value does not split the key.
	c.Styles(TagMap{"highway": "primary", "bridge": "yes"}, RoleLine, 12)
	c.Styles(TagMap{"highway": "primary", "bridge": "viaduct"}, RoleLine, 12)
	assert.Equal(t, int64(2), c.Stats().Entries)

	// Role, zoom and tested values do split it.
	c.Styles(TagMap{"highway": "primary"}, RoleArea, 12)
	c.Styles(TagMap{"highway": "primary"}, RoleLine, 13)
	c.Styles(TagMap{"highway": "secondary"}, RoleLine, 12)
	assert.Equal(t, int64(5), c.Stats().Entries)
}

func TestCacheMatchesDirectResolution(t *testing.T) {
	ss := mustParse(t, `
way[highway] { width: 1; color: grey; }
way[highway=primary][lanes>=2] { width: 4; }
`)
	c := NewCache(ss, StyleOptions{})
	for _, tags := range []TagMap{
		{"highway": "primary", "lanes": "2"},
		{"highway": "primary", "lanes": "1"},
		{"highway": "primary", "lanes": "2"},
		{"highway": "track"},
	} {
		want := StyleOptions{}.BuildStyles(ss.Resolve(tags, RoleLine, 14), RoleLine)
		assert.Equal(t, want, c.Styles(tags, RoleLine, 14))
	}
}

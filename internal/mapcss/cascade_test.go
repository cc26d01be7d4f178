package mapcss

import (
	"fmt"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolveDefault(t *testing.T, ss *Stylesheet, tags TagMap, role Role, zoom uint8) Props {
	t.Helper()
	layers := ss.Resolve(tags, role, zoom)
	for _, l := range layers {
		if l.Layer == DefaultLayer {
			return l.Props
		}
	}
	return nil
}

func TestCascadeOverrideLaw(t *testing.T) {
	tags := TagMap{"highway": "primary"}

	t.Run("later rule wins", func(t *testing.T) {
		ss := mustParse(t, `
way[highway=primary] { color: #0000ff; width: 2; }
way[highway=primary] { color: #ff0000; }`)
		p := resolveDefault(t, ss, tags, RoleLine, 12)
		c, _ := p.Color("color")
		assert.Equal(t, color.NRGBA{0xff, 0, 0, 0xff}, c)
		w, _ := p.Number("width")
		assert.Equal(t, 2.0, w, "unshared properties survive")
	})

	t.Run("earlier important wins over later plain", func(t *testing.T) {
		ss := mustParse(t, `
way[highway=primary] { color: #0000ff !important; }
way[highway=primary] { color: #ff0000; }`)
		p := resolveDefault(t, ss, tags, RoleLine, 12)
		c, _ := p.Color("color")
		assert.Equal(t, color.NRGBA{0, 0, 0xff, 0xff}, c)
	})

	t.Run("later important wins over earlier important", func(t *testing.T) {
		ss := mustParse(t, `
way[highway=primary] { color: #0000ff !important; }
way[highway=primary] { color: #ff0000 !important; }`)
		p := resolveDefault(t, ss, tags, RoleLine, 12)
		c, _ := p.Color("color")
		assert.Equal(t, color.NRGBA{0xff, 0, 0, 0xff}, c)
	})

	t.Run("more specific earlier rule beats later generic rule", func(t *testing.T) {
		ss := mustParse(t, `
way[highway=primary] { width: 5; }
way[highway] { width: 1; }
way { width: 0.5; }`)
		p := resolveDefault(t, ss, tags, RoleLine, 12)
		w, _ := p.Number("width")
		assert.Equal(t, 5.0, w)
	})

	t.Run("important does not change sort order", func(t *testing.T) {
		ss := mustParse(t, `
way[highway=primary] { width: 5 !important; }
way[highway] { width: 1 !important; }`)
		p := resolveDefault(t, ss, tags, RoleLine, 12)
		w, _ := p.Number("width")
		assert.Equal(t, 5.0, w, "the more specific important rule sorts last")
	})
}

func TestSpecificityMonotonic(t *testing.T) {
	parse := func(sel string) Selector {
		ss := mustParse(t, sel+" {}")
		return ss.Rules[0].Selectors[0]
	}

	ordered := []string{
		"*",
		"way",
		"line",
		"way[a]",
		"way[a][b][c][d]",
		"way[a=1]",
		"way[a=1][b]",
		"way[a=1][b=2]",
	}
	for i := 1; i < len(ordered); i++ {
		lo, hi := parse(ordered[i-1]), parse(ordered[i])
		assert.Less(t, lo.Specificity(), hi.Specificity(), "%s < %s", ordered[i-1], ordered[i])
	}

	exact := map[string]uint32{
		"*":                  0,
		"way":                1,
		"way:closed":         2,
		"area":               2,
		"area:closed":        3,
		"way[a]":             1<<8 | 1,
		"node[a=1][!b][c?]":  2<<16 | 1<<8 | 2,
		"way:closed[a=1][b]": 1<<16 | 1<<8 | 2,
	}
	for sel, want := range exact {
		assert.Equal(t, want, parse(sel).Specificity(), sel)
	}
}

func TestResolveRolesAndZoom(t *testing.T) {
	ss := mustParse(t, `
way[highway=primary]|z8-14 { width: 3; color: #ff0000; }
line[barrier] { color: black; width: 1; }
area[barrier] { fill-color: grey; }
node[amenity] { icon-image: "a.png"; }
relation[landuse] { fill-color: green; }
way:closed[leisure] { fill-color: blue; }
`)

	tests := []struct {
		name  string
		tags  TagMap
		role  Role
		zoom  uint8
		props []string
	}{
		{"inside zoom range", TagMap{"highway": "primary"}, RoleLine, 10, []string{"color", "width"}},
		{"lower zoom bound", TagMap{"highway": "primary"}, RoleLine, 8, []string{"color", "width"}},
		{"upper zoom bound", TagMap{"highway": "primary"}, RoleLine, 14, []string{"color", "width"}},
		{"below zoom range", TagMap{"highway": "primary"}, RoleLine, 7, nil},
		{"above zoom range", TagMap{"highway": "primary"}, RoleLine, 15, nil},
		{"way matches closed ways", TagMap{"highway": "primary"}, RoleArea, 10, []string{"color", "width"}},
		{"way matches multipolygons", TagMap{"highway": "primary"}, RoleMultipolygon, 10, []string{"color", "width"}},
		{"way skips nodes", TagMap{"highway": "primary"}, RoleNode, 10, nil},
		{"line skips areas", TagMap{"barrier": "fence"}, RoleArea, 10, []string{"fill-color"}},
		{"area skips lines", TagMap{"barrier": "fence"}, RoleLine, 10, []string{"color", "width"}},
		{"node selector", TagMap{"amenity": "cafe"}, RoleNode, 10, []string{"icon-image"}},
		{"relation selector", TagMap{"landuse": "forest"}, RoleMultipolygon, 10, []string{"fill-color"}},
		{"closed pseudo-class rejects lines", TagMap{"leisure": "park"}, RoleLine, 10, nil},
		{"closed pseudo-class accepts areas", TagMap{"leisure": "park"}, RoleArea, 10, []string{"fill-color"}},
		{"closed pseudo-class accepts multipolygons", TagMap{"leisure": "park"}, RoleMultipolygon, 10, []string{"fill-color"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := resolveDefault(t, ss, tt.tags, tt.role, tt.zoom)
			var got []string
			for _, name := range []string{"color", "fill-color", "icon-image", "width"} {
				if p.Has(name) {
					got = append(got, name)
				}
			}
			assert.Equal(t, tt.props, got)
		})
	}
}

func TestResolveLayers(t *testing.T) {
	ss := mustParse(t, `
way[highway]::casing { color: black; width: 5; }
way[highway] { color: white; width: 3; }
way[highway]::* { linecap: round; }
way[highway=primary]::* { z-index: 7; }
way[railway]::* { color: red; }
`)

	layers := ss.Resolve(TagMap{"highway": "primary"}, RoleLine, 12)
	require.Len(t, layers, 2)
	assert.Equal(t, DefaultLayer, layers[0].Layer, "default layer comes first")
	assert.Equal(t, "casing", layers[1].Layer)

	for _, l := range layers {
		lc, _ := l.Props.Ident("linecap")
		assert.Equal(t, "round", lc, l.Layer)
		z, _ := l.Props.Number("z-index")
		assert.Equal(t, 7.0, z, l.Layer)
	}
	c, _ := layers[1].Props.Color("color")
	assert.Equal(t, color.NRGBA{A: 0xff}, c)

	// Only "::*" rules matched: no concrete layer to draw.
	assert.Empty(t, ss.Resolve(TagMap{"railway": "rail"}, RoleLine, 12))
}

func TestSelectorGroupUsesMostSpecificMatch(t *testing.T) {
	ss := mustParse(t, `
way[highway=primary], way { width: 4; }
way[highway] { width: 2; }
`)
	// The group matches through its value-test selector, so it outranks
	// the later existence-only rule.
	p := resolveDefault(t, ss, TagMap{"highway": "primary"}, RoleLine, 12)
	w, _ := p.Number("width")
	assert.Equal(t, 4.0, w)

	p = resolveDefault(t, ss, TagMap{"highway": "service"}, RoleLine, 12)
	w, _ = p.Number("width")
	assert.Equal(t, 2.0, w)
}

func TestTagTests(t *testing.T) {
	tests := []struct {
		test Test
		tags TagMap
		want bool
	}{
		{Test{Key: "a", Op: OpExists}, TagMap{"a": ""}, true},
		{Test{Key: "a", Op: OpExists}, TagMap{}, false},
		{Test{Key: "a", Op: OpNotExists}, TagMap{}, true},
		{Test{Key: "a", Op: OpTrue}, TagMap{"a": "yes"}, true},
		{Test{Key: "a", Op: OpTrue}, TagMap{"a": "no"}, false},
		{Test{Key: "a", Op: OpFalse}, TagMap{"a": "no"}, true},
		{Test{Key: "a", Op: OpFalse}, TagMap{"a": "1"}, false},
		{Test{Key: "a", Op: OpNotEqual, Value: "x"}, TagMap{}, true},
		{Test{Key: "a", Op: OpNotEqual, Value: "x"}, TagMap{"a": "x"}, false},
		{Test{Key: "a", Op: OpLess, Number: 3}, TagMap{"a": "2.5"}, true},
		{Test{Key: "a", Op: OpLess, Number: 3}, TagMap{"a": "abc"}, false},
		{Test{Key: "a", Op: OpGreaterOrEqual, Number: 3}, TagMap{"a": "3"}, true},
		{Test{Key: "a", Op: OpGreater, Number: 3}, TagMap{}, false},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.test.Matches(tt.tags))
		})
	}
}

func TestResolveDeterministicUnderConcurrency(t *testing.T) {
	ss := mustParse(t, `
way[highway] { width: 1; color: grey; }
way[highway=primary] { width: 3; color: red; }
way[highway=primary][bridge?] { casing-width: 1; casing-color: black; }
area[building] { fill-color: #d9d0c9; }
node[amenity]::label { text: name; font-size: 11; }
`)
	inputs := []struct {
		tags TagMap
		role Role
	}{
		{TagMap{"highway": "primary", "bridge": "yes"}, RoleLine},
		{TagMap{"highway": "residential"}, RoleLine},
		{TagMap{"building": "yes"}, RoleArea},
		{TagMap{"amenity": "cafe", "name": "X"}, RoleNode},
	}

	want := make([][]LayerStyle, len(inputs))
	for i, in := range inputs {
		want[i] = ss.Resolve(in.tags, in.role, 15)
	}

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				i := (g + k) % len(inputs)
				got := ss.Resolve(inputs[i].tags, inputs[i].role, 15)
				if !assert.ObjectsAreEqual(want[i], got) {
					errs <- fmt.Sprintf("input %d resolved differently", i)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestCanvasColor(t *testing.T) {
	ss := mustParse(t, `
canvas { fill-color: #f2efe9; background-color: white; }
canvas { fill-color: #101010; }
`)
	c, ok := ss.CanvasColor(FlavorJOSM.CanvasProperty())
	require.True(t, ok)
	assert.Equal(t, color.NRGBA{0x10, 0x10, 0x10, 0xff}, c)

	c, ok = ss.CanvasColor(FlavorMapsMe.CanvasProperty())
	require.True(t, ok)
	assert.Equal(t, color.NRGBA{0xff, 0xff, 0xff, 0xff}, c)

	_, ok = mustParse(t, "way {}").CanvasColor("fill-color")
	assert.False(t, ok)
}

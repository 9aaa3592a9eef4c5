package render

import (
	"path"
	"strings"
)

// Quirk describes where a renderer writes its images and how it names them.
type Quirk struct {
	// UsesTmpSubdir is set when images land under a tmp/ directory inside
	// the redirected output rule.
	UsesTmpSubdir bool `yaml:"uses_tmp_subdir" json:"uses_tmp_subdir"`
	// StripSuffix is removed from the end of file stems, e.g. "_1".
	StripSuffix string `yaml:"strip_suffix" json:"strip_suffix,omitempty"`
	// LayerPlaceholder is a generic layer name the renderer writes instead
	// of the real one.
	LayerPlaceholder string `yaml:"layer_placeholder" json:"layer_placeholder,omitempty"`
}

// Destination maps a slash-separated path relative to the renderer's
// output root to its path relative to the expected output directory.
func (q Quirk) Destination(rel, layer string) string {
	if q.LayerPlaceholder != "" && layer != "" {
		rel = strings.ReplaceAll(rel, q.LayerPlaceholder, layer)
	}
	if q.StripSuffix != "" {
		dir, file := path.Split(rel)
		ext := path.Ext(file)
		stem := strings.TrimSuffix(file, ext)
		if strings.HasSuffix(stem, q.StripSuffix) {
			rel = dir + strings.TrimSuffix(stem, q.StripSuffix) + ext
		}
	}
	return rel
}

// Quirks is the renderer table. Renderers not listed use Default.
type Quirks struct {
	Default    Quirk            `yaml:"default" json:"default"`
	ByRenderer map[string]Quirk `yaml:"renderers" json:"renderers"`
}

// DefaultQuirks returns the behaviour of the renderers shipped with the
// worker application.
func DefaultQuirks() Quirks {
	return Quirks{
		Default: Quirk{UsesTmpSubdir: true},
		ByRenderer: map[string]Quirk{
			"vray":          {UsesTmpSubdir: false},
			"redshift":      {UsesTmpSubdir: true, StripSuffix: "_1"},
			"mayaHardware2": {UsesTmpSubdir: true, LayerPlaceholder: "masterLayer"},
		},
	}
}

// For returns the quirk of renderer.
func (q Quirks) For(renderer string) Quirk {
	if quirk, ok := q.ByRenderer[renderer]; ok {
		return quirk
	}
	return q.Default
}

// Merge overlays other onto q. Entries in other replace whole entries in q.
func (q Quirks) Merge(other Quirks, overrideDefault bool) Quirks {
	out := Quirks{Default: q.Default, ByRenderer: make(map[string]Quirk, len(q.ByRenderer)+len(other.ByRenderer))}
	if overrideDefault {
		out.Default = other.Default
	}
	for name, quirk := range q.ByRenderer {
		out.ByRenderer[name] = quirk
	}
	for name, quirk := range other.ByRenderer {
		out.ByRenderer[name] = quirk
	}
	return out
}

// SPDX-License-Identifier: MIT

package config

// Step types used by pipeline templates.
const (
	StepSearch   = "SEARCH"
	StepDownload = "DOWNLOAD"
	StepEncode   = "ENCODE"
	StepDeliver  = "DELIVER"
)

// Template is a named tree of pipeline steps. Requests reference a template
// by name; stage workers read per-step config from it.
type Template struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one node of a pipeline template.
type Step struct {
	Type     string         `yaml:"type"`
	Config   map[string]any `yaml:"config"`
	Children []Step         `yaml:"children"`
}

// FindStep returns the first step of the given type in depth-first order,
// or nil when the template has none.
func (t Template) FindStep(typ string) *Step {
	return findStep(t.Steps, typ)
}

func findStep(steps []Step, typ string) *Step {
	for i := range steps {
		if steps[i].Type == typ {
			return &steps[i]
		}
		if found := findStep(steps[i].Children, typ); found != nil {
			return found
		}
	}
	return nil
}

// ConfigString reads a string config value from the step, with default.
func (s *Step) ConfigString(key, def string) string {
	if s == nil || s.Config == nil {
		return def
	}
	if v, ok := s.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigInt reads an integer config value from the step, with default.
// YAML decodes numbers as int; float64 covers values fed through JSON.
func (s *Step) ConfigInt(key string, def int) int {
	if s == nil || s.Config == nil {
		return def
	}
	switch v := s.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// DefaultTemplate is the sequential search/download/encode/deliver pipeline.
func DefaultTemplate() Template {
	return Template{
		Name: "default",
		Steps: []Step{
			{Type: StepSearch},
			{Type: StepDownload, Children: []Step{
				{Type: StepEncode, Config: map[string]any{
					"codec":  "hevc",
					"preset": "medium",
					"crf":    23,
				}, Children: []Step{
					{Type: StepDeliver},
				}},
			}},
		},
	}
}

package pipeline

import "strings"

// Variant is one spelling of the Arelle OIM export invocation. Arelle
// releases disagree on how plugins are named and listed, so each variant
// is tried in order until one exits cleanly.
type Variant struct {
	Name string
	args func(outDir string) []string
}

// Args returns the flags appended after the base command for outDir.
func (v Variant) Args(outDir string) []string { return v.args(outDir) }

// Variants returns the invocation variants in priority order. plugins is
// the configured plugin list used by the last variant.
func Variants(plugins []string) []Variant {
	configured := strings.Join(plugins, "|")
	return []Variant{
		{
			Name: "separate-plugin-flags",
			args: func(out string) []string {
				return []string{
					"--plugins", "saveLoadableOIM",
					"--plugins", "inlineXbrlDocumentSet",
					"--saveOIMinstance", out,
				}
			},
		},
		{
			Name: "pipe-separated-plugins",
			args: func(out string) []string {
				return []string{"--plugins", "saveLoadableOIM|inlineXbrlDocumentSet", "--saveOIMinstance", out}
			},
		},
		{
			Name: "display-name-plugins",
			args: func(out string) []string {
				return []string{"--plugins", "Save Loadable OIM|Inline XBRL Document Set", "--saveOIMinstance", out}
			},
		},
		{
			Name: "configured-plugins",
			args: func(out string) []string {
				return []string{"--plugins", configured, "--saveOIMinstance", out}
			},
		},
	}
}

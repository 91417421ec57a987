// Package defaults provides embedded starter files for the botlab init
// subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed speaker.xml
var SpeakerXML []byte

//go:embed inhibitor.xml
var InhibitorXML []byte

// Files maps the names init writes to their contents.
func Files() map[string][]byte {
	return map[string][]byte{
		"config.yaml":   ConfigYAML,
		"speaker.xml":   SpeakerXML,
		"inhibitor.xml": InhibitorXML,
	}
}

package agentdef

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/nugget/botlab/internal/chat"
)

// ProtocolNamespace is the XML namespace of the alternate protocol
// reference attribute (<sequence p:ref="...">).
const ProtocolNamespace = "http://botlab.dev/protocol"

// ErrMissingField is wrapped by load errors for absent required
// metadata.
var ErrMissingField = errors.New("missing required field")

type xmlAgent struct {
	XMLName   xml.Name      `xml:"agent"`
	Metadata  *xmlMetadata  `xml:"metadata"`
	Protocols []xmlProtocol `xml:"protocols>protocol"`
	Sequences []xmlSequence `xml:"momentum>sequence"`
}

type xmlMetadata struct {
	Name string `xml:"name"`
	Type struct {
		Category string `xml:"category,attr"`
		Value    string `xml:",chardata"`
	} `xml:"type"`
	Version string `xml:"version"`
	Timing  struct {
		Interval *struct {
			Unit  string `xml:"unit,attr"`
			Value string `xml:",chardata"`
		} `xml:"response_interval"`
	} `xml:"timing"`
	Service struct {
		Provider   string `xml:"provider,attr"`
		Model      string `xml:"model,attr"`
		APIVersion string `xml:"api_version,attr"`
	} `xml:"service"`
}

type xmlProtocol struct {
	ID  string `xml:"id,attr"`
	Def struct {
		Objectives struct {
			Primary   string   `xml:"primary"`
			Secondary []string `xml:"secondary"`
		} `xml:"objectives"`
		Style struct {
			Communication []string `xml:"communication"`
			Analysis      []string `xml:"analysis"`
		} `xml:"style"`
		Constraints struct {
			Operational []string `xml:"operational"`
			Technical   []string `xml:"technical"`
		} `xml:"constraints"`
		Behavior struct {
			CoreFunction []string `xml:"core_function"`
			Methodology  []string `xml:"methodology"`
		} `xml:"behavior"`
	} `xml:"agent_definition"`
}

type xmlSequence struct {
	ID          string `xml:"id,attr"`
	Type        string `xml:"type,attr"`
	ProtocolRef string `xml:"protocol_ref,attr"`
	NSRef       string `xml:"http://botlab.dev/protocol ref,attr"`
	Temperature string `xml:"temperature,attr"`
	Messages    []struct {
		Position string `xml:"position,attr"`
		Role     struct {
			Type string `xml:"type,attr"`
		} `xml:"role"`
		Content *string `xml:"content"`
	} `xml:"message"`
}

// Load reads and parses an agent definition file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes an agent definition. Missing identity or timing fields
// fail the whole document; a bad sequence is only skipped and listed in
// [Config.Rejected].
func Parse(r io.Reader) (*Config, error) {
	var doc xmlAgent
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode agent xml: %w", err)
	}

	md := doc.Metadata
	if md == nil {
		return nil, fmt.Errorf("%w: <metadata>", ErrMissingField)
	}

	cfg := &Config{
		Name:     strings.TrimSpace(md.Name),
		Type:     strings.TrimSpace(md.Type.Value),
		Category: strings.TrimSpace(md.Type.Category),
		Version:  strings.TrimSpace(md.Version),
		Service: Service{
			Provider:   strings.TrimSpace(md.Service.Provider),
			Model:      strings.TrimSpace(md.Service.Model),
			APIVersion: strings.TrimSpace(md.Service.APIVersion),
		},
		Protocols: make(map[string]Protocol),
	}

	var missing []string
	if cfg.Name == "" {
		missing = append(missing, "name")
	}
	if cfg.Type == "" {
		missing = append(missing, "type")
	}
	if cfg.Version == "" {
		missing = append(missing, "version")
	}
	if md.Timing.Interval == nil || strings.TrimSpace(md.Timing.Interval.Value) == "" {
		missing = append(missing, "timing/response_interval")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}

	iv, err := parseFinite(md.Timing.Interval.Value)
	if err != nil || iv < 0 {
		return nil, fmt.Errorf("invalid response_interval %q", md.Timing.Interval.Value)
	}
	cfg.ResponseInterval = iv
	cfg.ResponseIntervalUnit = strings.TrimSpace(md.Timing.Interval.Unit)
	if cfg.ResponseIntervalUnit == "" {
		cfg.ResponseIntervalUnit = "seconds"
	}

	for _, xp := range doc.Protocols {
		id := strings.TrimSpace(xp.ID)
		if id == "" {
			continue
		}
		cfg.Protocols[id] = Protocol{
			ID: id,
			Objectives: Objectives{
				Primary:   strings.TrimSpace(xp.Def.Objectives.Primary),
				Secondary: trimAll(xp.Def.Objectives.Secondary),
			},
			Style: Style{
				Communication: trimAll(xp.Def.Style.Communication),
				Analysis:      trimAll(xp.Def.Style.Analysis),
			},
			Constraints: Constraints{
				Operational: trimAll(xp.Def.Constraints.Operational),
				Technical:   trimAll(xp.Def.Constraints.Technical),
			},
			Behavior: Behavior{
				CoreFunction: trimAll(xp.Def.Behavior.CoreFunction),
				Methodology:  trimAll(xp.Def.Behavior.Methodology),
			},
		}
	}

	for i, xs := range doc.Sequences {
		seq, err := buildSequence(xs, cfg.Protocols)
		if err != nil {
			id := xs.ID
			if id == "" {
				id = fmt.Sprintf("#%d", i)
			}
			cfg.Rejected = append(cfg.Rejected, Rejection{SequenceID: id, Reason: err.Error()})
			continue
		}
		cfg.Sequences = append(cfg.Sequences, seq)
	}

	return cfg, nil
}

func buildSequence(xs xmlSequence, protocols map[string]Protocol) (Sequence, error) {
	seq := Sequence{
		ID:          strings.TrimSpace(xs.ID),
		Type:        strings.TrimSpace(xs.Type),
		ProtocolRef: strings.TrimSpace(xs.NSRef),
		Temperature: DefaultTemperature,
	}
	if seq.ProtocolRef == "" {
		seq.ProtocolRef = strings.TrimSpace(xs.ProtocolRef)
	}

	switch {
	case seq.ID == "":
		return seq, errors.New("missing id")
	case seq.Type == "":
		return seq, errors.New("missing type")
	case seq.ProtocolRef == "":
		return seq, errors.New("missing protocol reference")
	}
	if _, ok := protocols[seq.ProtocolRef]; !ok {
		return seq, fmt.Errorf("unresolved protocol_ref %q", seq.ProtocolRef)
	}

	if t := strings.TrimSpace(xs.Temperature); t != "" {
		v, err := parseFinite(t)
		if err != nil {
			return seq, fmt.Errorf("temperature %q is not a number", t)
		}
		seq.Temperature = ClampTemperature(v)
	}

	for _, xm := range xs.Messages {
		role := chat.Role(strings.TrimSpace(xm.Role.Type))
		if !role.Valid() {
			return seq, fmt.Errorf("message has invalid role %q", xm.Role.Type)
		}
		if xm.Content == nil {
			continue
		}
		pos := -1
		if p := strings.TrimSpace(xm.Position); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil || n < 0 {
				return seq, fmt.Errorf("message position %q is not a non-negative integer", p)
			}
			pos = n
		}
		seq.Messages = append(seq.Messages, SequenceMessage{
			Role:     role,
			Content:  strings.TrimSpace(*xm.Content),
			Position: pos,
		})
	}

	sortMessages(seq.Messages)
	return seq, nil
}

// sortMessages orders by position, keeping document order for ties and
// placing unpositioned messages last.
func sortMessages(msgs []SequenceMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		pi, pj := msgs[i].Position, msgs[j].Position
		if pi < 0 {
			return false
		}
		if pj < 0 {
			return true
		}
		return pi < pj
	})
}

func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not finite", s)
	}
	return v, nil
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

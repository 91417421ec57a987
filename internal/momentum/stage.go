package momentum

// Stage is a chat's position in the scripted conversation arc. The
// orchestrator moves chats between stages explicitly; nothing is
// inferred from message text.
type Stage int

// Stages in arc order.
const (
	StageUninitialized Stage = iota
	StageInit
	StageGreeting
	StageAnalysis
	StageConclusion
)

var stageNames = [...]string{
	StageUninitialized: "uninitialized",
	StageInit:          "init",
	StageGreeting:      "greeting",
	StageAnalysis:      "analysis",
	StageConclusion:    "conclusion",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// sequenceNames lists the sequence IDs/types that serve a stage, in
// lookup order.
func (s Stage) sequenceNames() []string {
	switch s {
	case StageUninitialized, StageInit:
		return []string{"init", "initialization"}
	case StageGreeting:
		return []string{"greeting"}
	case StageAnalysis:
		return []string{"analysis"}
	case StageConclusion:
		return []string{"conclusion"}
	}
	return nil
}

// next is the stage after a successful response.
func (s Stage) next() Stage {
	switch s {
	case StageInit, StageGreeting:
		return StageAnalysis
	case StageConclusion:
		return StageGreeting
	}
	return s
}

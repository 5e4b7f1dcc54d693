package manifest

// Track classifies a research perspective's editorial angle.
type Track string

const (
	TrackStandard    Track = "standard"
	TrackIndependent Track = "independent"
	TrackContrarian  Track = "contrarian"
)

// TrackWeight orders tracks for deterministic perspective merge sorting
// (spec.md §4.4): standard=0, independent=1, contrarian=2.
func TrackWeight(t Track) int {
	switch t {
	case TrackStandard:
		return 0
	case TrackIndependent:
		return 1
	case TrackContrarian:
		return 2
	default:
		return 99
	}
}

// PromptContract bounds what an agent may produce for a perspective.
type PromptContract struct {
	MaxWords            int      `json:"max_words"`
	MaxSources          int      `json:"max_sources"`
	ToolBudget          int      `json:"tool_budget"`
	MustIncludeSections []string `json:"must_include_sections,omitempty"`
}

// ToolPolicy partitions tools a perspective's agent may use.
type ToolPolicy struct {
	Primary   []string `json:"primary,omitempty"`
	Secondary []string `json:"secondary,omitempty"`
	Forbidden []string `json:"forbidden,omitempty"`
}

// Perspective is one ordered research angle (spec.md §3).
type Perspective struct {
	ID                   string         `json:"id"`
	Title                string         `json:"title"`
	Domain               string         `json:"domain,omitempty"`
	Track                Track          `json:"track"`
	AgentType            string         `json:"agent_type"`
	Questions            []string       `json:"questions,omitempty"`
	PromptContract       PromptContract `json:"prompt_contract"`
	PlatformRequirements []string       `json:"platform_requirements,omitempty"`
	ToolPolicy           ToolPolicy     `json:"tool_policy"`
}

// PerspectivesDoc is the on-disk perspectives.json document.
type PerspectivesDoc struct {
	SchemaVersion string        `json:"schema_version"`
	RunID         string        `json:"run_id"`
	Perspectives  []Perspective `json:"perspectives"`
}

// WavePlanEntry pairs a perspective with its rendered prompt.
type WavePlanEntry struct {
	PerspectiveID string `json:"perspective_id"`
	PromptMD      string `json:"prompt_md"`
}

// WavePlan is a wave-N plan document (spec.md §3): an ordered entry list
// pinned to the perspectives doc that produced it.
type WavePlan struct {
	SchemaVersion      string          `json:"schema_version"`
	Entries            []WavePlanEntry `json:"entries"`
	PerspectivesDigest string          `json:"perspectives_digest"`
}

// AgentOutputMeta is the sidecar written alongside every ingested agent
// output (spec.md §3 "Agent Output").
type AgentOutputMeta struct {
	SchemaVersion   string `json:"schema_version"`
	PromptDigest    string `json:"prompt_digest"`
	AgentRunID      string `json:"agent_run_id"`
	IngestedAt      string `json:"ingested_at"`
	SourceInputPath string `json:"source_input_path"`
	StartedAt       string `json:"started_at,omitempty"`
	FinishedAt      string `json:"finished_at,omitempty"`
	Model           string `json:"model,omitempty"`
}

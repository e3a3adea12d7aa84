package inference

// Settings are the caller-owned generation knobs passed through to the
// provider on every completion. Nil pointers mean "provider default".
type Settings struct {
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	Temperature  *float64 `yaml:"temperature,omitempty"`
	MaxTokens    *int     `yaml:"max_tokens,omitempty"`
}

func NewSettings() *Settings {
	return &Settings{}
}

func (s *Settings) Clone() *Settings {
	ret := &Settings{
		SystemPrompt: s.SystemPrompt,
	}
	if s.Temperature != nil {
		v := *s.Temperature
		ret.Temperature = &v
	}
	if s.MaxTokens != nil {
		v := *s.MaxTokens
		ret.MaxTokens = &v
	}
	return ret
}

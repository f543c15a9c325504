package profile

// Kind selects which program a profile's sessions run.
type Kind string

const (
	// KindProgram spawns Command in a pseudo terminal.
	KindProgram Kind = "program"
	// KindQueue runs the built-in command shell.
	KindQueue Kind = "queue"
)

type Profile struct {
	ID      string            `yaml:"id" json:"id"`
	Name    string            `yaml:"name" json:"name"`
	Kind    Kind              `yaml:"kind" json:"kind"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Prompt  string            `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env     []string          `yaml:"env,omitempty" json:"env,omitempty"`
	Rows    int               `yaml:"rows,omitempty" json:"rows,omitempty"`
	Cols    int               `yaml:"cols,omitempty" json:"cols,omitempty"`
	AutoCR  bool              `yaml:"auto_cr,omitempty" json:"auto_cr,omitempty"`
	Config  map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
	Notes   string            `yaml:"notes,omitempty" json:"notes,omitempty"`
}

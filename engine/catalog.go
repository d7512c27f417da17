package engine

import (
	"slices"

	"dfirpipe/config"
)

// Stage names used by the catalog
const (
	StageAnalysis = "analysis"
	StageReport   = "report"
)

// Capability is one entry of the static tool catalog
type Capability struct {
	Name    string
	Stages  []string
	Enabled func(config.Capabilities) bool
	build   func(Deps) Tool
}

// Catalog lists every tool the agent can be given. Which ones a stage gets is
// decided here and by the Capabilities config, nothing else.
var Catalog = []Capability{
	{
		Name:    "read_file",
		Stages:  []string{StageAnalysis, StageReport},
		Enabled: func(c config.Capabilities) bool { return c.ReadFile },
		build:   readFileTool,
	},
	{
		Name:    "list_directory",
		Stages:  []string{StageAnalysis, StageReport},
		Enabled: func(c config.Capabilities) bool { return c.ListDirectory },
		build:   listDirectoryTool,
	},
	{
		Name:    "write_file",
		Stages:  []string{StageAnalysis},
		Enabled: func(c config.Capabilities) bool { return c.WriteFile },
		build:   writeFileTool,
	},
	{
		Name:    "run_command",
		Stages:  []string{StageAnalysis},
		Enabled: func(c config.Capabilities) bool { return c.RunCommand },
		build:   runCommandTool,
	},
	{
		Name:    "think",
		Stages:  []string{StageAnalysis, StageReport},
		Enabled: func(c config.Capabilities) bool { return c.Think },
		build:   func(Deps) Tool { return thinkTool() },
	},
	{
		// the report stage cannot work without it
		Name:    "generate_html_from_template",
		Stages:  []string{StageReport},
		Enabled: func(config.Capabilities) bool { return true },
		build:   renderTool,
	},
}

// Toolset returns the enabled tools for a stage, in catalog order
func Toolset(stage string, caps config.Capabilities, deps Deps) []Tool {
	if deps.WritableGlobs == nil {
		deps.WritableGlobs = caps.WritableGlobs
	}
	var tools []Tool
	for _, c := range Catalog {
		if !slices.Contains(c.Stages, stage) || !c.Enabled(caps) {
			continue
		}
		tools = append(tools, c.build(deps))
	}
	return tools
}

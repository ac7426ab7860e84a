package pipeline

import (
	"bundleweaver/internal/classify"
	"bundleweaver/internal/toolchain"
)

// PassthroughCommand in a stage override selects toolchain.Passthrough.
const PassthroughCommand = "passthrough"

// NewRegistry registers every known stage. Script, style and minify stages
// run external commands, overridable through overrides; the css and extract
// stages only relocate bytes.
func NewRegistry(dir string, overrides map[string]string, getenv func(string) string) *toolchain.Registry {
	reg := toolchain.NewRegistry()
	commands := make(map[string]string, len(toolchain.DefaultCommands)+len(overrides))
	for stage, cmd := range toolchain.DefaultCommands {
		commands[stage] = cmd
	}
	for stage, cmd := range overrides {
		commands[stage] = cmd
	}
	for stage, cmd := range commands {
		if cmd == PassthroughCommand {
			reg.RegisterTransformer(stage, toolchain.Passthrough{})
			reg.RegisterMinifier(stage, toolchain.Passthrough{})
			continue
		}
		cs := toolchain.CommandStage{Command: cmd, Dir: dir, Getenv: getenv, Render: toolchain.DefaultRenderers[stage]}
		reg.RegisterTransformer(stage, cs)
		reg.RegisterMinifier(stage, cs)
	}
	for _, stage := range []classify.Stage{classify.StageCSS, classify.StageExtract} {
		if _, overridden := overrides[string(stage)]; overridden {
			continue
		}
		reg.RegisterTransformer(string(stage), toolchain.Passthrough{})
	}
	return reg
}

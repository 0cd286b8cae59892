package plugin

import (
	"context"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// BashGuard is a built-in Manager that auto-resolves permission requests for
// the Bash tool. It parses the requested command, splits it into simple
// commands, and matches each against allow/deny patterns. Deny wins over
// allow; a command matching neither list leaves the request to the human
// prompt path.
type BashGuard struct {
	allow []string
	deny  []string
}

// NewBashGuard creates a guard with the given patterns. Patterns are
// space-separated token sequences; a trailing "*" matches any remaining
// arguments ("git status", "git *", "rm -rf *", "*").
func NewBashGuard(allow, deny []string) *BashGuard {
	return &BashGuard{allow: allow, deny: deny}
}

// ID returns the plugin id reported on automated decisions.
func (g *BashGuard) ID() string { return "bash-guard" }

// Emit implements Manager. Only permission.requested events for the Bash
// tool are considered; everything else returns an empty result.
func (g *BashGuard) Emit(ctx context.Context, ev Event) (Result, error) {
	if ev.Name != EventPermissionRequested {
		return Result{}, nil
	}
	toolName, _ := ev.Data["tool_name"].(string)
	if toolName != "Bash" {
		return Result{}, nil
	}
	input, _ := ev.Data["input"].(map[string]any)
	command, _ := input["command"].(string)
	if command == "" {
		return Result{}, nil
	}

	commands, err := splitCommands(command)
	if err != nil || len(commands) == 0 {
		// Unparseable commands are left to the human prompt.
		return Result{}, nil
	}

	allAllowed := true
	for _, cmd := range commands {
		if pattern := matchAny(g.deny, cmd); pattern != "" {
			return Result{
				Permission: &PermissionDecision{
					Behavior: "deny",
					Message:  "Denied by bash-guard pattern " + pattern,
					PluginID: g.ID(),
				},
			}, nil
		}
		if matchAny(g.allow, cmd) == "" {
			allAllowed = false
		}
	}

	if allAllowed {
		return Result{
			Permission: &PermissionDecision{
				Behavior: "allow",
				PluginID: g.ID(),
			},
		}, nil
	}
	return Result{}, nil
}

// splitCommands parses a shell command line into its simple commands as
// token slices. Redirections, expansions and compound structure are
// flattened; only literal words survive.
func splitCommands(command string) ([][]string, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, err
	}

	var commands [][]string
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if tokens := callTokens(call); len(tokens) > 0 {
				commands = append(commands, tokens)
			}
		}
		return true
	})
	return commands, nil
}

func callTokens(call *syntax.CallExpr) []string {
	var tokens []string
	for _, word := range call.Args {
		if lit := wordToString(word); lit != "" {
			tokens = append(tokens, lit)
		}
	}
	return tokens
}

func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				if lit, ok := inner.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		}
	}
	return sb.String()
}

// matchAny returns the first pattern matching the command, or "".
func matchAny(patterns []string, cmd []string) string {
	for _, pattern := range patterns {
		if matchPattern(pattern, cmd) {
			return pattern
		}
	}
	return ""
}

// matchPattern checks one pattern against a tokenized command. A trailing
// "*" matches any remaining tokens; otherwise token counts must line up.
func matchPattern(pattern string, cmd []string) bool {
	parts := strings.Fields(pattern)
	if len(parts) == 0 || len(cmd) == 0 {
		return false
	}
	if len(parts) == 1 && parts[0] == "*" {
		return true
	}

	trailing := parts[len(parts)-1] == "*"
	fixed := parts
	if trailing {
		fixed = parts[:len(parts)-1]
	}

	if trailing {
		if len(cmd) < len(fixed) {
			return false
		}
	} else if len(cmd) != len(fixed) {
		return false
	}

	for i, part := range fixed {
		if part != "*" && part != cmd[i] {
			return false
		}
	}
	return true
}

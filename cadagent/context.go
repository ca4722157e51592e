package cadagent

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DocumentStateText serializes the document tree into the compact text
// block prepended to every model request. Property keys are sorted so
// identical documents always render identically.
func DocumentStateText(doc Document) string {
	objects := doc.Objects()
	if len(objects) == 0 {
		return fmt.Sprintf("Document %q is empty.", doc.Name())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Document %q contains %d objects:\n", doc.Name(), len(objects))
	for _, obj := range objects {
		fmt.Fprintf(&b, "- %s (%s)", obj.Name, obj.Type)
		if len(obj.Properties) > 0 {
			keys := make([]string, 0, len(obj.Properties))
			for k := range obj.Properties {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, len(keys))
			for i, k := range keys {
				pairs[i] = fmt.Sprintf("%s=%v", k, obj.Properties[k])
			}
			fmt.Fprintf(&b, ": %s", strings.Join(pairs, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Instruction filenames searched in priority order.
var instructionFilenames = []string{"AGENTS.md", "FREECAD_AI.md"}

var (
	includeRe  = regexp.MustCompile(`<!--\s*include:\s*(.+?)\s*-->`)
	variableRe = regexp.MustCompile(`\{\{(\w+)\}\}`)
)

const maxIncludeDepth = 5

// LoadProjectInstructions finds the project instruction file (AGENTS.md
// or FREECAD_AI.md) in dir or up to three parent directories, falling
// back to the user config directory, and resolves its include
// directives. Missing files are not an error; the result is empty.
// Variable placeholders are left intact for BuildSystemPrompt to fill.
func LoadProjectInstructions(dir string) string {
	content, base := findInstructionFile(dir)
	if content == "" {
		return ""
	}
	return strings.TrimSpace(resolveIncludes(content, base, 0))
}

func findInstructionFile(dir string) (content, base string) {
	current := dir
	for i := 0; i < 4 && current != ""; i++ {
		for _, name := range instructionFilenames {
			path := filepath.Join(current, name)
			if data, err := os.ReadFile(path); err == nil {
				return string(data), current
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	if cfgDir, err := os.UserConfigDir(); err == nil {
		userDir := filepath.Join(cfgDir, "FreeCAD", "FreeCADAI")
		for _, name := range instructionFilenames {
			path := filepath.Join(userDir, name)
			if data, err := os.ReadFile(path); err == nil {
				return string(data), userDir
			}
		}
	}
	return "", ""
}

// resolveIncludes expands <!-- include: file.md --> directives relative
// to base, recursively, bounded by maxIncludeDepth. A missing or
// unreadable target is replaced with a marker comment instead of
// failing the load.
func resolveIncludes(content, base string, depth int) string {
	if depth >= maxIncludeDepth || base == "" {
		return content
	}
	return includeRe.ReplaceAllStringFunc(content, func(directive string) string {
		target := includeRe.FindStringSubmatch(directive)[1]
		full := filepath.Join(base, target)
		data, err := os.ReadFile(full)
		if err != nil {
			return fmt.Sprintf("<!-- include not found: %s -->", target)
		}
		return resolveIncludes(string(data), filepath.Dir(full), depth+1)
	})
}

// instructionVariables are the live values substituted for {{name}}
// placeholders in project instructions.
func instructionVariables(doc Document) map[string]string {
	vars := map[string]string{
		"document_name": "",
		"object_count":  "0",
	}
	if doc != nil {
		vars["document_name"] = doc.Name()
		vars["object_count"] = fmt.Sprintf("%d", len(doc.Objects()))
	}
	return vars
}

// substituteVariables replaces known {{name}} placeholders; unknown
// placeholders are kept verbatim.
func substituteVariables(text string, vars map[string]string) string {
	return variableRe.ReplaceAllStringFunc(text, func(placeholder string) string {
		name := variableRe.FindStringSubmatch(placeholder)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		return placeholder
	})
}

const basePrompt = `You are a CAD assistant operating on a live document. You create and
modify geometry by calling the provided tools. Work step by step: inspect
the document state before modifying objects you did not create, prefer
structured tools over execute_code, and report what you did in plain
language when finished. All dimensions are in millimeters.`

const planPrompt = `You are in plan mode: propose the tool calls you would make, but none
of them will be executed. Explain the intended steps instead.`

// BuildSystemPrompt assembles the system message for one model request:
// base behavior, current document state, and any project instructions.
func BuildSystemPrompt(doc Document, instructions string, planMode bool) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if planMode {
		b.WriteString("\n\n")
		b.WriteString(planPrompt)
	}
	if doc != nil {
		b.WriteString("\n\n# Current document state\n\n")
		b.WriteString(DocumentStateText(doc))
	}
	if instructions != "" {
		b.WriteString("\n\n# Project instructions\n\n")
		b.WriteString(substituteVariables(instructions, instructionVariables(doc)))
	}
	return b.String()
}

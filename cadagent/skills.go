package cadagent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SkillResolution is the outcome of resolving a slash command. Exactly
// one field is set: InjectPrompt text is prepended to the turn's input,
// Output is returned to the user without a model call, Error rejects the
// command.
type SkillResolution struct {
	InjectPrompt string
	Output       string
	Error        string
}

// Skill is one command-triggered behavior.
type Skill struct {
	Name        string
	Description string
	Resolve     func(args string) SkillResolution
}

// SkillSet resolves "/name args" inputs against registered skills. The
// built-in /skills command lists what is available.
type SkillSet struct {
	mu     sync.RWMutex
	skills map[string]Skill
	order  []string
}

// NewSkillSet creates an empty skill set.
func NewSkillSet() *SkillSet {
	return &SkillSet{skills: make(map[string]Skill)}
}

// Register adds a skill, rejecting name collisions.
func (s *SkillSet) Register(skill Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.skills[skill.Name]; exists {
		return &DuplicateNameError{Name: skill.Name}
	}
	s.skills[skill.Name] = skill
	s.order = append(s.order, skill.Name)
	return nil
}

// IsCommand reports whether input is a slash command.
func (s *SkillSet) IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// Resolve parses and dispatches a slash command.
func (s *SkillSet) Resolve(input string) SkillResolution {
	trimmed := strings.TrimPrefix(strings.TrimSpace(input), "/")
	name, args, _ := strings.Cut(trimmed, " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)

	if name == "skills" {
		return SkillResolution{Output: s.listing()}
	}

	s.mu.RLock()
	skill, ok := s.skills[name]
	s.mu.RUnlock()
	if !ok {
		return SkillResolution{Error: fmt.Sprintf("unknown command /%s; try /skills", name)}
	}
	return skill.Resolve(args)
}

func (s *SkillSet) listing() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return "No skills registered."
	}
	names := make([]string, len(s.order))
	copy(names, s.order)
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "/%s - %s\n", name, s.skills[name].Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

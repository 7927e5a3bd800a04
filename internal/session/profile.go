package session

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultProfileVersion names the prompt set shipped with the harness.
const DefaultProfileVersion = "restohack-1984.1"

const labelPlaceholder = "{name}"

// Prompt is one expected prompt and the scripted reply to it.
type Prompt struct {
	Name    string
	Pattern *regexp.Regexp
	Reply   string
	// Final ends character negotiation when matched.
	Final bool
	// Keep leaves the matched text in the buffer for the next phase.
	Keep bool
}

// Render returns the reply with the player label substituted.
func (p Prompt) Render(label string) string {
	return strings.ReplaceAll(p.Reply, labelPlaceholder, label)
}

// PromptProfile is the versioned set of prompts the target is expected to
// show, as ordered alternatives per phase.
type PromptProfile struct {
	Version      string
	Startup      []Prompt
	Confirmation []Prompt
	GameStart    []*regexp.Regexp
	More         []*regexp.Regexp
	Quit         []*regexp.Regexp
	// Save follows the save command. "saved" and "save_failed" settle it.
	Save []Prompt
}

// DefaultProfile returns the prompt set for the restored 1984 game.
func DefaultProfile() PromptProfile {
	namePattern := regexp.MustCompile(`What is your name|Who are you\?`)
	return PromptProfile{
		Version: DefaultProfileVersion,
		Startup: []Prompt{
			{Name: "experience", Pattern: regexp.MustCompile(`experienced player\?`), Reply: "n"},
			{Name: "pick", Pattern: regexp.MustCompile(`Shall I pick a character`), Reply: "n"},
			{Name: "name", Pattern: namePattern, Reply: labelPlaceholder + "\n", Final: true},
		},
		Confirmation: []Prompt{
			{
				Name:    "assigned",
				Pattern: regexp.MustCompile(`I'll choose a character for you|This game you will be|Hit space to continue`),
				Reply:   " ",
				Final:   true,
			},
			{Name: "name", Pattern: namePattern, Reply: labelPlaceholder + "\n", Final: true},
			{Name: "experience", Pattern: regexp.MustCompile(`experienced player\?`), Reply: "n"},
			{Name: "board", Pattern: regexp.MustCompile(`Dlvl:|--More--`), Final: true, Keep: true},
		},
		GameStart: []*regexp.Regexp{
			regexp.MustCompile(`--More--`),
			regexp.MustCompile(`Hit space`),
			regexp.MustCompile(`Dlvl:`),
			regexp.MustCompile(`@`),
		},
		More: []*regexp.Regexp{
			regexp.MustCompile(`--More--`),
			regexp.MustCompile(`Hit space to continue`),
		},
		Quit: []*regexp.Regexp{
			regexp.MustCompile(`Really quit\?`),
		},
		Save: []Prompt{
			{Name: "save_failed", Pattern: regexp.MustCompile(`Cannot (?:open )?save`), Reply: " ", Final: true},
			{Name: "saved", Pattern: regexp.MustCompile(`Be seeing you|Saving|[Ss]aved`), Final: true},
			{Name: "save_confirm", Pattern: regexp.MustCompile(`Save game\?`), Reply: "y"},
			{Name: "more", Pattern: regexp.MustCompile(`--More--`), Reply: " "},
		},
	}
}

// ProfileOverrides replaces pattern alternatives by phase. Empty fields keep
// the defaults.
type ProfileOverrides struct {
	Version    string
	Experience []string
	Pick       []string
	Name       []string
	Assigned   []string
	GameStart  []string
	More       []string
	Quit       []string
	Saved      []string
	SaveFailed []string
}

// Empty reports whether no override is set.
func (o ProfileOverrides) Empty() bool {
	return o.Version == "" && len(o.Experience) == 0 && len(o.Pick) == 0 &&
		len(o.Name) == 0 && len(o.Assigned) == 0 && len(o.GameStart) == 0 &&
		len(o.More) == 0 && len(o.Quit) == 0 && len(o.Saved) == 0 && len(o.SaveFailed) == 0
}

// WithOverrides returns a copy of p with the given alternatives replaced.
func (p PromptProfile) WithOverrides(o ProfileOverrides) (PromptProfile, error) {
	out := p.clone()
	if v := strings.TrimSpace(o.Version); v != "" {
		out.Version = v
	}

	replacePrompt := func(list []Prompt, name string, patterns []string) error {
		if len(patterns) == 0 {
			return nil
		}
		re, err := compileAlternatives(name, patterns)
		if err != nil {
			return err
		}
		for i := range list {
			if list[i].Name == name {
				list[i].Pattern = re
			}
		}
		return nil
	}
	for _, item := range []struct {
		name     string
		patterns []string
	}{
		{"experience", o.Experience},
		{"pick", o.Pick},
		{"name", o.Name},
		{"assigned", o.Assigned},
	} {
		if err := replacePrompt(out.Startup, item.name, item.patterns); err != nil {
			return PromptProfile{}, err
		}
		if err := replacePrompt(out.Confirmation, item.name, item.patterns); err != nil {
			return PromptProfile{}, err
		}
	}

	if err := replacePrompt(out.Save, "saved", o.Saved); err != nil {
		return PromptProfile{}, err
	}
	if err := replacePrompt(out.Save, "save_failed", o.SaveFailed); err != nil {
		return PromptProfile{}, err
	}

	var err error
	if out.GameStart, err = compileEach("game_start", o.GameStart, out.GameStart); err != nil {
		return PromptProfile{}, err
	}
	if out.More, err = compileEach("more", o.More, out.More); err != nil {
		return PromptProfile{}, err
	}
	if out.Quit, err = compileEach("quit", o.Quit, out.Quit); err != nil {
		return PromptProfile{}, err
	}
	return out, nil
}

// Validate checks every phase has at least one alternative.
func (p PromptProfile) Validate() error {
	switch {
	case len(p.Startup) == 0:
		return fmt.Errorf("prompt profile %q: no startup prompts", p.Version)
	case len(p.GameStart) == 0:
		return fmt.Errorf("prompt profile %q: no game start markers", p.Version)
	case len(p.Quit) == 0:
		return fmt.Errorf("prompt profile %q: no quit prompts", p.Version)
	}
	prompts := append(append([]Prompt(nil), p.Startup...), p.Confirmation...)
	for _, prompt := range append(prompts, p.Save...) {
		if prompt.Pattern == nil {
			return fmt.Errorf("prompt profile %q: prompt %q has no pattern", p.Version, prompt.Name)
		}
	}
	return nil
}

func patternsOf(prompts []Prompt) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(prompts))
	for i, prompt := range prompts {
		out[i] = prompt.Pattern
	}
	return out
}

func (p PromptProfile) clone() PromptProfile {
	out := p
	out.Startup = append([]Prompt(nil), p.Startup...)
	out.Confirmation = append([]Prompt(nil), p.Confirmation...)
	out.GameStart = append([]*regexp.Regexp(nil), p.GameStart...)
	out.More = append([]*regexp.Regexp(nil), p.More...)
	out.Quit = append([]*regexp.Regexp(nil), p.Quit...)
	out.Save = append([]Prompt(nil), p.Save...)
	return out
}

func compileAlternatives(name string, patterns []string) (*regexp.Regexp, error) {
	parts := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("compile %s prompt %q: %w", name, pattern, err)
		}
		parts = append(parts, "(?:"+pattern+")")
	}
	return regexp.Compile(strings.Join(parts, "|"))
}

func compileEach(name string, patterns []string, fallback []*regexp.Regexp) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return fallback, nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %s prompt %q: %w", name, pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}

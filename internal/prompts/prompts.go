package prompts

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hubenschmidt/voice-agent/internal/session"
)

const DefaultSystem = "You are a friendly voice assistant. Keep responses concise and conversational, two or three sentences, because they will be read aloud."

const pirateSystem = `You are Captain Blackbeard, the most legendary and charismatic AI pirate captain sailing the digital seas.
Adventurous, bold, slightly mischievous but ultimately helpful. Treat the user as a trusted crew member.
Always use pirate vocabulary ("Ahoy!", "Matey", "Arrr!", "Shiver me timbers!", "Savvy?", "Me hearty").
Use "me" instead of "my" and nautical terms where they fit. Relate modern topics back to pirate life with humor.
Reply concisely in pirate style, two or three sentences at most, since replies are spoken aloud. Always stay in character.`

// Flavor wraps replies that lack any of the persona's keywords.
type Flavor struct {
	Keywords []string `yaml:"keywords"`
	Prefix   string   `yaml:"prefix"`
	Suffix   string   `yaml:"suffix"`
}

// Persona is a prompt template: a system instruction plus the labels used to
// render conversation history.
type Persona struct {
	Name          string `yaml:"name"`
	System        string `yaml:"system"`
	UserLabel     string `yaml:"user_label"`
	AgentLabel    string `yaml:"agent_label"`
	HistoryHeader string `yaml:"history_header"`
	VoiceID       string `yaml:"voice_id"`
	Flavor        Flavor `yaml:"flavor"`
}

// Default is the plain assistant persona.
var Default = Persona{
	Name:       "default",
	System:     DefaultSystem,
	UserLabel:  "User",
	AgentLabel: "Assistant",
	VoiceID:    "en-US-natalie",
}

// Pirate is the Captain Blackbeard persona.
var Pirate = Persona{
	Name:          "pirate",
	System:        pirateSystem,
	UserLabel:     "Crew Member",
	AgentLabel:    "Captain Blackbeard",
	HistoryHeader: "=== RECENT VOYAGE LOG ===",
	VoiceID:       "en-US-marcus",
	Flavor: Flavor{
		Keywords: []string{"arr", "ahoy", "matey", "savvy", "shiver"},
		Prefix:   "Ahoy! ",
		Suffix:   " Arrr!",
	},
}

// Prompt renders history and the new message into the completion prompt.
func (p Persona) Prompt(history []session.Turn, message string) string {
	userLabel := orDefault(p.UserLabel, "User")
	agentLabel := orDefault(p.AgentLabel, "Assistant")

	var b strings.Builder
	if len(history) > 0 && p.HistoryHeader != "" {
		b.WriteString(p.HistoryHeader)
		b.WriteString("\n")
	}
	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		label := userLabel
		if t.Role == session.RoleAgent {
			label = agentLabel
		}
		fmt.Fprintf(&b, "%s: %s\n", label, text)
	}
	if len(history) > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s: %s\n%s:", userLabel, strings.TrimSpace(message), agentLabel)
	return b.String()
}

// Apply enforces the persona's flavor on a generated reply.
func (p Persona) Apply(reply string) string {
	reply = strings.TrimSpace(reply)
	if reply == "" || len(p.Flavor.Keywords) == 0 {
		return reply
	}
	lower := strings.ToLower(reply)
	for _, kw := range p.Flavor.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return reply
		}
	}
	return p.Flavor.Prefix + reply + p.Flavor.Suffix
}

// Catalog resolves personas by name.
type Catalog struct {
	personas map[string]Persona
	fallback string
}

// Builtin returns a catalog with the default and pirate personas.
func Builtin(fallback string) *Catalog {
	c := &Catalog{
		personas: map[string]Persona{Default.Name: Default, Pirate.Name: Pirate},
		fallback: fallback,
	}
	if _, ok := c.personas[fallback]; !ok {
		c.fallback = Default.Name
	}
	return c
}

type catalogFile struct {
	Default  string    `yaml:"default"`
	Personas []Persona `yaml:"personas"`
}

// LoadFile reads personas from a YAML file on top of the built-ins.
// Environment references in the file are expanded.
func LoadFile(path, fallback string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas file: %w", err)
	}
	var f catalogFile
	if err = yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &f); err != nil {
		return nil, fmt.Errorf("parse personas file: %w", err)
	}
	c := Builtin(fallback)
	for _, p := range f.Personas {
		if p.Name == "" {
			return nil, fmt.Errorf("persona without name in %s", path)
		}
		if p.System == "" {
			p.System = DefaultSystem
		}
		c.personas[p.Name] = p
	}
	if f.Default != "" {
		if _, ok := c.personas[f.Default]; !ok {
			return nil, fmt.Errorf("default persona %q not defined", f.Default)
		}
		c.fallback = f.Default
		return c, nil
	}
	if _, ok := c.personas[fallback]; ok {
		c.fallback = fallback
	}
	return c, nil
}

// Get returns the named persona, or the catalog default.
func (c *Catalog) Get(name string) Persona {
	if p, ok := c.personas[name]; ok {
		return p
	}
	return c.personas[c.fallback]
}

// Names lists the available personas.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.personas))
	for k := range c.personas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

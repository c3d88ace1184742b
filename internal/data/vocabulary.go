package data

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// VocabularyEntry is one named action or emote.
type VocabularyEntry struct {
	Name string `yaml:"name"`
	Note string `yaml:"note"`
}

type vocabularyFile struct {
	Actions []VocabularyEntry `yaml:"actions"`
	Emotes  []VocabularyEntry `yaml:"emotes"`
}

// Vocabulary holds the accepted action and emote names.
type Vocabulary struct {
	actions map[string]struct{}
	emotes  map[string]struct{}
}

var (
	defaultActions = []string{"idle", "walk", "run", "wave", "dance", "sit", "jump", "point"}
	defaultEmotes  = []string{"wave", "laugh", "cheer", "heart", "shrug", "think"}
)

// DefaultVocabulary is used when no vocabulary file is configured.
func DefaultVocabulary() *Vocabulary {
	return newVocabulary(defaultActions, defaultEmotes)
}

func newVocabulary(actions, emotes []string) *Vocabulary {
	v := &Vocabulary{
		actions: make(map[string]struct{}, len(actions)),
		emotes:  make(map[string]struct{}, len(emotes)),
	}
	for _, a := range actions {
		v.actions[a] = struct{}{}
	}
	for _, e := range emotes {
		v.emotes[e] = struct{}{}
	}
	return v
}

// LoadVocabulary loads vocabulary.yaml. A section left empty keeps its defaults.
func LoadVocabulary(path string) (*Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var f vocabularyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	actions, emotes := names(f.Actions), names(f.Emotes)
	if len(actions) == 0 {
		actions = defaultActions
	}
	if len(emotes) == 0 {
		emotes = defaultEmotes
	}
	return newVocabulary(actions, emotes), nil
}

func names(entries []VocabularyEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name != "" {
			out = append(out, e.Name)
		}
	}
	return out
}

func (v *Vocabulary) HasAction(name string) bool {
	_, ok := v.actions[name]
	return ok
}

func (v *Vocabulary) HasEmote(name string) bool {
	_, ok := v.emotes[name]
	return ok
}

// Actions returns the sorted action names.
func (v *Vocabulary) Actions() []string { return sortedKeys(v.actions) }

// Emotes returns the sorted emote names.
func (v *Vocabulary) Emotes() []string { return sortedKeys(v.emotes) }

// Count returns the total number of entries loaded.
func (v *Vocabulary) Count() int { return len(v.actions) + len(v.emotes) }

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package data

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadVocabulary(t *testing.T) {
	p := writeFile(t, "vocabulary.yaml", `
actions:
  - name: idle
  - name: juggle
    note: circus bots
emotes: []
`)
	v, err := LoadVocabulary(p)
	if err != nil {
		t.Fatal(err)
	}
	if !v.HasAction("juggle") || v.HasAction("dance") {
		t.Fatalf("actions = %v", v.Actions())
	}
	// empty section keeps the defaults
	if !v.HasEmote("laugh") {
		t.Fatalf("emotes = %v", v.Emotes())
	}
	if v.Count() != 2+6 {
		t.Fatalf("count = %d", v.Count())
	}
}

func TestDefaultVocabulary(t *testing.T) {
	v := DefaultVocabulary()
	for _, a := range []string{"idle", "walk", "run", "wave", "dance", "sit", "jump", "point"} {
		if !v.HasAction(a) {
			t.Errorf("missing action %s", a)
		}
	}
	if v.HasEmote("dance") {
		t.Errorf("dance is an action, not an emote")
	}
}

func TestChatFilterNormalizes(t *testing.T) {
	p := writeFile(t, "chat_filter.yaml", "blocked:\n  - BadWord\n  - \"  \"\n")
	f, err := LoadChatFilter(p)
	if err != nil {
		t.Fatal(err)
	}
	if f.Count() != 1 {
		t.Fatalf("count = %d", f.Count())
	}
	for _, text := range []string{"a badword here", "BADWORD", "ＢＡＤＷＯＲＤ"} {
		if _, hit := f.Match(text); !hit {
			t.Errorf("%q not blocked", text)
		}
	}
	if _, hit := f.Match("perfectly fine"); hit {
		t.Errorf("false positive")
	}
	var empty *ChatFilterTable
	if _, hit := empty.Match("badword"); hit {
		t.Errorf("nil table matched")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadVocabulary(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

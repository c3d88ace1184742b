package command

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/worldsync/server/internal/data"
	"github.com/worldsync/server/internal/world"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// Profile field caps, in runes.
const (
	maxNameLen       = 64
	maxColorLen      = 32
	maxBioLen        = 500
	maxCapabilities  = 32
	maxCapabilityLen = 64
	maxSkills        = 32
	maxSkillFieldLen = 200
)

// SnapshotSource yields the last published world snapshot.
type SnapshotSource interface {
	Published() *world.Snapshot
}

// Limits are the configurable validation limits.
type Limits struct {
	Bounds       world.Bounds
	MaxChatRunes int
	MaxDMRunes   int
}

// Validator checks commands against the published snapshot. Safe for
// concurrent use; it never touches live world state.
type Validator struct {
	src    SnapshotSource
	limits Limits
	vocab  *data.Vocabulary
	filter *Filter
}

func NewValidator(src SnapshotSource, limits Limits, vocab *data.Vocabulary, filter *Filter) *Validator {
	if vocab == nil {
		vocab = data.DefaultVocabulary()
	}
	if limits.MaxChatRunes <= 0 {
		limits.MaxChatRunes = 280
	}
	if limits.MaxDMRunes <= 0 {
		limits.MaxDMRunes = 1000
	}
	return &Validator{src: src, limits: limits, vocab: vocab, filter: filter}
}

// ValidAgentID reports whether id is a well-formed agent id.
func ValidAgentID(id string) bool { return agentIDPattern.MatchString(id) }

// Validate checks cmd and normalizes its text fields in place. The returned
// error is always a *Rejection.
func (v *Validator) Validate(cmd *Command) error {
	if !ValidAgentID(cmd.AgentID) {
		return Rejectf(CodeMalformed, "agentId must match %s", agentIDPattern.String())
	}
	snap := v.src.Published()

	if cmd.Verb == VerbRegister {
		return v.validateRegister(cmd, snap)
	}
	if _, ok := verbs[cmd.Verb]; !ok {
		return Rejectf(CodeUnknownVerb, "unknown verb %q", cmd.Verb)
	}
	if !snap.IsRegistered(cmd.AgentID) {
		return Rejectf(CodeUnknownAgent, "agent %s is not registered", cmd.AgentID)
	}

	switch cmd.Verb {
	case VerbMove:
		p := cmd.Position
		if cmd.KeepY {
			p.Y = v.limits.Bounds.Min.Y
		}
		if err := v.checkPosition(p); err != nil {
			return err
		}
		if !finite(cmd.Rotation) || math.Abs(cmd.Rotation) > 2*math.Pi {
			return Rejectf(CodeMalformed, "rotation must be finite and within ±2π")
		}
	case VerbChat:
		text, err := v.checkText(cmd.AgentID, "chat", cmd.Text, v.limits.MaxChatRunes)
		if err != nil {
			return err
		}
		cmd.Text = text
	case VerbAction:
		if !v.vocab.HasAction(cmd.Action) {
			return Rejectf(CodeMalformed, "unknown action %q", cmd.Action)
		}
	case VerbEmote:
		if !v.vocab.HasEmote(cmd.Emote) {
			return Rejectf(CodeMalformed, "unknown emote %q", cmd.Emote)
		}
	case VerbLeave:
		if !snap.IsActive(cmd.AgentID) {
			return Rejectf(CodeAlreadyRemoved, "agent %s already left", cmd.AgentID)
		}
	case VerbDM:
		if !ValidAgentID(cmd.To) || cmd.To == cmd.AgentID {
			return Rejectf(CodeMalformed, "invalid recipient")
		}
		if !snap.IsRegistered(cmd.To) {
			return Rejectf(CodeUnknownAgent, "recipient %s is not registered", cmd.To)
		}
		text, err := v.checkText(cmd.AgentID, "dm", cmd.Text, v.limits.MaxDMRunes)
		if err != nil {
			return err
		}
		cmd.Text = text
	}
	return nil
}

func (v *Validator) validateRegister(cmd *Command, snap *world.Snapshot) error {
	p := &cmd.Profile
	p.AgentID = cmd.AgentID
	p.Name = strings.TrimSpace(norm.NFKC.String(p.Name))
	if p.Name == "" {
		p.Name = cmd.AgentID
	}
	if err := capRunes("name", p.Name, maxNameLen); err != nil {
		return err
	}
	if err := capRunes("color", p.Color, maxColorLen); err != nil {
		return err
	}
	if err := capRunes("bio", p.Bio, maxBioLen); err != nil {
		return err
	}
	if len(p.Capabilities) > maxCapabilities {
		return Rejectf(CodeMalformed, "at most %d capabilities", maxCapabilities)
	}
	for _, c := range p.Capabilities {
		if err := capRunes("capability", c, maxCapabilityLen); err != nil {
			return err
		}
	}
	if len(p.Skills) > maxSkills {
		return Rejectf(CodeMalformed, "at most %d skills", maxSkills)
	}
	for _, s := range p.Skills {
		if s.ID == "" {
			return Rejectf(CodeMalformed, "skill id is required")
		}
		for _, f := range []string{s.ID, s.Name, s.Description} {
			if err := capRunes("skill", f, maxSkillFieldLen); err != nil {
				return err
			}
		}
	}
	if cmd.Spawn != nil {
		if err := v.checkPosition(*cmd.Spawn); err != nil {
			return err
		}
	}
	if !snap.IsActive(cmd.AgentID) && snap.ActiveCount() >= snap.Capacity {
		return Rejectf(CodeRoomFull, "room is full (%d agents)", snap.Capacity)
	}
	return nil
}

func (v *Validator) checkPosition(p world.Vec3) error {
	if !p.IsFinite() {
		return Rejectf(CodeMalformed, "position must be finite")
	}
	if !v.limits.Bounds.Contains(p) {
		return Rejectf(CodeMalformed, "position (%g, %g, %g) is out of bounds", p.X, p.Y, p.Z)
	}
	return nil
}

// checkText validates message text, runs it through the filter and
// validates the filter's rewrite the same way.
func (v *Validator) checkText(agentID, channel, text string, max int) (string, error) {
	text, err := checkShape(channel, text, max)
	if err != nil {
		return "", err
	}
	out, err := v.filter.Check(agentID, channel, text)
	if err != nil || out == text {
		return out, err
	}
	return checkShape(channel, out, max)
}

func checkShape(channel, text string, max int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", Rejectf(CodeMalformed, "%s text is empty", channel)
	}
	if !utf8.ValidString(text) {
		return "", Rejectf(CodeMalformed, "%s text is not valid UTF-8", channel)
	}
	if err := capRunes(channel, text, max); err != nil {
		return "", err
	}
	return text, nil
}

func capRunes(field, s string, max int) error {
	if n := utf8.RuneCountInString(s); n > max {
		return Rejectf(CodeMalformed, "%s is %d characters, limit %d", field, n, max)
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Package changeset computes and applies field-level deltas between a stored
// guide aggregate and a proposed replacement. A change-set is a snapshot: it
// captures what the submitter wants changed, gets persisted with the edit
// request, and is later applied to whatever the live guide looks like then.
package changeset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/store"
)

// GuidePayload is a client-submitted full guide representation. Pointer fields
// distinguish "absent" from "set to zero value"; unknown fields are rejected
// at decode time by the HTTP layer.
type GuidePayload struct {
	Name         *string        `json:"name"`
	Description  *string        `json:"description"`
	Icon         *string        `json:"icon"`
	WelcomeAudio *string        `json:"welcome_audio"`
	Steps        *[]StepPayload `json:"steps"`
}

// StepPayload is one proposed step. A missing ID marks the step as new.
type StepPayload struct {
	ID           string           `json:"id"`
	Name         *string          `json:"name"`
	Description  *string          `json:"description"`
	WelcomeAudio *string          `json:"welcome_audio"`
	Annotations  *string          `json:"annotations"`
	Contents     *[]store.Content `json:"contents"`
	Placements   *string          `json:"placements"`
}

// ChangeSet is the persisted delta. Fields maps top-level guide fields to
// their proposed values; Steps carries per-step deltas keyed by identity.
type ChangeSet struct {
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
	Steps  *StepChanges               `json:"steps,omitempty"`
}

type StepChanges struct {
	Added    []store.Step `json:"added_steps,omitempty"`
	Removed  []string     `json:"removed_steps,omitempty"`
	Modified []StepDelta  `json:"modified_steps,omitempty"`
}

type StepDelta struct {
	StepID        string                     `json:"step_id"`
	UpdatedValues map[string]json.RawMessage `json:"updated_values"`
}

// Empty reports NoChange: the caller must treat an empty change-set as
// "nothing to apply" and refuse to persist it.
func (c ChangeSet) Empty() bool {
	if len(c.Fields) > 0 {
		return false
	}
	if c.Steps == nil {
		return true
	}
	return len(c.Steps.Added) == 0 && len(c.Steps.Removed) == 0 && len(c.Steps.Modified) == 0
}

// DefaultIgnored returns the field names excluded from diffing. Placement data
// is spatial state owned by the AR client; it must survive review-driven edits
// untouched, so it never enters a change-set.
func DefaultIgnored() map[string]bool {
	return map[string]bool{"placements": true}
}

// guideFields enumerates the diffable top-level guide fields. Anything else in
// a payload is a decode error upstream, never a silent comparison.
var guideFields = []string{"name", "description", "icon", "welcome_audio"}

// Compute diffs proposed against existing. Only fields present in the payload
// are compared; steps are matched by identity, with steps lacking an ID
// treated as additions. Ignored fields never appear in the result, nested or
// not.
func Compute(existing store.Guide, proposed GuidePayload, ignored map[string]bool) ChangeSet {
	// The placement field is non-negotiable: it is excluded even when the
	// caller's ignore set omits it.
	merged := DefaultIgnored()
	for field := range ignored {
		merged[field] = true
	}
	ignored = merged

	cs := ChangeSet{}

	top := map[string]struct {
		proposed *string
		current  string
	}{
		"name":          {proposed.Name, existing.Name},
		"description":   {proposed.Description, existing.Description},
		"icon":          {proposed.Icon, existing.Icon},
		"welcome_audio": {proposed.WelcomeAudio, existing.WelcomeAudio},
	}
	for _, field := range guideFields {
		entry := top[field]
		if entry.proposed == nil || ignored[field] {
			continue
		}
		if *entry.proposed != entry.current {
			if cs.Fields == nil {
				cs.Fields = make(map[string]json.RawMessage)
			}
			cs.Fields[field] = mustMarshal(*entry.proposed)
		}
	}

	if proposed.Steps == nil {
		return cs
	}

	existingByID := make(map[string]store.Step, len(existing.Steps))
	for _, step := range existing.Steps {
		existingByID[step.ID] = step
	}
	proposedIDs := make(map[string]bool, len(*proposed.Steps))

	changes := &StepChanges{}
	for _, step := range *proposed.Steps {
		if step.ID == "" {
			changes.Added = append(changes.Added, newStepFromPayload(step))
			continue
		}
		proposedIDs[step.ID] = true
		current, ok := existingByID[step.ID]
		if !ok {
			// Unknown identity: the step never existed on this guide, so the
			// payload cannot modify it. Treated as an addition with the
			// submitted identity preserved.
			changes.Added = append(changes.Added, newStepFromPayload(step))
			continue
		}
		if delta := diffStep(current, step, ignored); len(delta) > 0 {
			changes.Modified = append(changes.Modified, StepDelta{StepID: step.ID, UpdatedValues: delta})
		}
	}
	for _, step := range existing.Steps {
		if !proposedIDs[step.ID] {
			changes.Removed = append(changes.Removed, step.ID)
		}
	}

	if len(changes.Added) > 0 || len(changes.Removed) > 0 || len(changes.Modified) > 0 {
		cs.Steps = changes
	}
	return cs
}

func diffStep(current store.Step, proposed StepPayload, ignored map[string]bool) map[string]json.RawMessage {
	delta := make(map[string]json.RawMessage)

	stringFields := map[string]struct {
		proposed *string
		current  string
	}{
		"name":          {proposed.Name, current.Name},
		"description":   {proposed.Description, current.Description},
		"welcome_audio": {proposed.WelcomeAudio, current.WelcomeAudio},
		"annotations":   {proposed.Annotations, current.Annotations},
		"placements":    {proposed.Placements, current.Placements},
	}
	for field, entry := range stringFields {
		if entry.proposed == nil || ignored[field] {
			continue
		}
		if *entry.proposed != entry.current {
			delta[field] = mustMarshal(*entry.proposed)
		}
	}

	if proposed.Contents != nil && !ignored["contents"] {
		proposedContents := stripPlacement(*proposed.Contents)
		if !bytes.Equal(mustMarshal(stripPlacement(current.Contents)), mustMarshal(proposedContents)) {
			delta["contents"] = mustMarshal(proposedContents)
		}
	}

	if len(delta) == 0 {
		return nil
	}
	return delta
}

// stripPlacement zeroes position and rotation data so content comparison and
// the emitted delta never carry placement. Apply restores the live values for
// surviving content items.
func stripPlacement(contents []store.Content) []store.Content {
	if contents == nil {
		return []store.Content{}
	}
	stripped := make([]store.Content, len(contents))
	for i, item := range contents {
		item.Position = store.Vec3{}
		item.Rotations = store.Vec3{}
		stripped[i] = item
	}
	return stripped
}

func newStepFromPayload(payload StepPayload) store.Step {
	step := store.Step{ID: payload.ID, Contents: []store.Content{}}
	if payload.Name != nil {
		step.Name = *payload.Name
	}
	if payload.Description != nil {
		step.Description = *payload.Description
	}
	if payload.WelcomeAudio != nil {
		step.WelcomeAudio = *payload.WelcomeAudio
	}
	if payload.Annotations != nil {
		step.Annotations = *payload.Annotations
	}
	if payload.Contents != nil {
		step.Contents = stripPlacement(*payload.Contents)
	}
	return step
}

// AssignIdentities gives stable IDs to added steps and to content items that
// arrived without one. Doing this at submit time, before the change-set is
// persisted, makes Apply idempotent: a re-applied change-set appends nothing
// it already appended.
func AssignIdentities(cs *ChangeSet, newID func(prefix string) string) {
	if cs.Steps == nil {
		return
	}
	for i := range cs.Steps.Added {
		if cs.Steps.Added[i].ID == "" {
			cs.Steps.Added[i].ID = newID("stp")
		}
		for j := range cs.Steps.Added[i].Contents {
			if cs.Steps.Added[i].Contents[j].ID == "" {
				cs.Steps.Added[i].Contents[j].ID = newID("cnt")
			}
		}
	}
	for i := range cs.Steps.Modified {
		raw, ok := cs.Steps.Modified[i].UpdatedValues["contents"]
		if !ok {
			continue
		}
		var contents []store.Content
		if err := json.Unmarshal(raw, &contents); err != nil {
			continue
		}
		assigned := false
		for j := range contents {
			if contents[j].ID == "" {
				contents[j].ID = newID("cnt")
				assigned = true
			}
		}
		if assigned {
			cs.Steps.Modified[i].UpdatedValues["contents"] = mustMarshal(contents)
		}
	}
}

// Apply merges a change-set into a guide aggregate and returns the result
// without touching the input. Order matters: top-level fields, then modified
// steps, then removals, then additions. The caller persists the returned
// aggregate as a single write.
func Apply(guide store.Guide, cs ChangeSet, now time.Time) (store.Guide, error) {
	result := guide
	result.Steps = make([]store.Step, len(guide.Steps))
	copy(result.Steps, guide.Steps)

	for field, raw := range cs.Fields {
		if field == "steps" {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return store.Guide{}, fmt.Errorf("decode field %s: %w", field, err)
		}
		switch field {
		case "name":
			result.Name = value
		case "description":
			result.Description = value
		case "icon":
			result.Icon = value
		case "welcome_audio":
			result.WelcomeAudio = value
		default:
			log.Printf("changeset: skipping unknown guide field %q", field)
		}
	}

	if cs.Steps != nil {
		for _, delta := range cs.Steps.Modified {
			idx := findStep(result.Steps, delta.StepID)
			if idx < 0 {
				// Step vanished between submit and approve. Non-fatal: the
				// remover won that race.
				log.Printf("changeset: step %s missing on apply, skipping modification", delta.StepID)
				continue
			}
			step, err := applyStepDelta(result.Steps[idx], delta.UpdatedValues)
			if err != nil {
				return store.Guide{}, err
			}
			step.UpdatedAt = now
			result.Steps[idx] = step
		}

		if len(cs.Steps.Removed) > 0 {
			removed := make(map[string]bool, len(cs.Steps.Removed))
			for _, id := range cs.Steps.Removed {
				removed[id] = true
			}
			kept := result.Steps[:0:0]
			for _, step := range result.Steps {
				if !removed[step.ID] {
					kept = append(kept, step)
				}
			}
			result.Steps = kept
		}

		for _, step := range cs.Steps.Added {
			if step.ID != "" && findStep(result.Steps, step.ID) >= 0 {
				continue
			}
			if step.CreatedAt.IsZero() {
				step.CreatedAt = now
			}
			step.UpdatedAt = now
			result.Steps = append(result.Steps, step)
		}
	}

	result.UpdatedAt = now
	return result, nil
}

func applyStepDelta(step store.Step, values map[string]json.RawMessage) (store.Step, error) {
	for field, raw := range values {
		switch field {
		case "name", "description", "welcome_audio", "annotations", "placements":
			var value string
			if err := json.Unmarshal(raw, &value); err != nil {
				return store.Step{}, fmt.Errorf("decode step field %s: %w", field, err)
			}
			switch field {
			case "name":
				step.Name = value
			case "description":
				step.Description = value
			case "welcome_audio":
				step.WelcomeAudio = value
			case "annotations":
				step.Annotations = value
			case "placements":
				step.Placements = value
			}
		case "contents":
			var contents []store.Content
			if err := json.Unmarshal(raw, &contents); err != nil {
				return store.Step{}, fmt.Errorf("decode step contents: %w", err)
			}
			step.Contents = mergePlacement(step.Contents, contents)
		default:
			log.Printf("changeset: skipping unknown step field %q", field)
		}
	}
	return step, nil
}

// mergePlacement carries live placement data over to the incoming content
// list. The delta never holds placement, so any content item surviving the
// edit keeps the position and rotation it had.
func mergePlacement(current, incoming []store.Content) []store.Content {
	currentByID := make(map[string]store.Content, len(current))
	for _, item := range current {
		currentByID[item.ID] = item
	}
	merged := make([]store.Content, len(incoming))
	for i, item := range incoming {
		if live, ok := currentByID[item.ID]; ok {
			item.Position = live.Position
			item.Rotations = live.Rotations
		}
		merged[i] = item
	}
	return merged
}

func findStep(steps []store.Step, id string) int {
	for i, step := range steps {
		if step.ID == id {
			return i
		}
	}
	return -1
}

func mustMarshal(value any) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		// All inputs are plain structs and strings; this cannot fail.
		panic(err)
	}
	return raw
}

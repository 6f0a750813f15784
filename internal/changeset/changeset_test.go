package changeset

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/store"
)

func strPtr(s string) *string { return &s }

func sampleGuide() store.Guide {
	return store.Guide{
		ID:           "gd_1",
		GuideID:      1,
		Name:         "A",
		Description:  "Assembly walkthrough",
		Icon:         "https://cdn.local/icons/a.png",
		WelcomeAudio: "https://cdn.local/audio/a.mp3",
		Steps: []store.Step{
			{
				ID:          "s1",
				Name:        "Intro",
				Description: "Put on safety gear",
				Placements:  "anchor:table-01",
				Contents: []store.Content{
					{
						ID:        "c1",
						Type:      "spatial-object",
						Link:      "https://cdn.local/models/wrench.glb",
						Position:  store.Vec3{X: 1, Y: 2, Z: 3},
						Rotations: store.Vec3{X: 0, Y: 90, Z: 0},
					},
				},
			},
		},
	}
}

func payloadFromGuide(guide store.Guide) GuidePayload {
	steps := make([]StepPayload, 0, len(guide.Steps))
	for _, step := range guide.Steps {
		s := step
		contents := make([]store.Content, len(s.Contents))
		copy(contents, s.Contents)
		steps = append(steps, StepPayload{
			ID:           s.ID,
			Name:         strPtr(s.Name),
			Description:  strPtr(s.Description),
			WelcomeAudio: strPtr(s.WelcomeAudio),
			Annotations:  strPtr(s.Annotations),
			Contents:     &contents,
			Placements:   strPtr(s.Placements),
		})
	}
	return GuidePayload{
		Name:         strPtr(guide.Name),
		Description:  strPtr(guide.Description),
		Icon:         strPtr(guide.Icon),
		WelcomeAudio: strPtr(guide.WelcomeAudio),
		Steps:        &steps,
	}
}

func TestComputeIdenticalPayloadIsNoChange(t *testing.T) {
	guide := sampleGuide()
	cs := Compute(guide, payloadFromGuide(guide), DefaultIgnored())
	if !cs.Empty() {
		t.Fatalf("expected no change, got %+v", cs)
	}
}

func TestComputeIdenticalExceptIgnoredIsNoChange(t *testing.T) {
	guide := sampleGuide()
	proposed := payloadFromGuide(guide)
	// Placement differences must never surface in a change-set.
	(*proposed.Steps)[0].Placements = strPtr("anchor:moved-somewhere-else")
	(*(*proposed.Steps)[0].Contents)[0].Position = store.Vec3{X: 99, Y: 99, Z: 99}
	(*(*proposed.Steps)[0].Contents)[0].Rotations = store.Vec3{X: 45}

	cs := Compute(guide, proposed, DefaultIgnored())
	if !cs.Empty() {
		t.Fatalf("expected placement-only diff to be no change, got %+v", cs)
	}
}

func TestComputeNameOnlyChange(t *testing.T) {
	guide := sampleGuide()
	proposed := payloadFromGuide(guide)
	proposed.Name = strPtr("B")

	cs := Compute(guide, proposed, DefaultIgnored())
	if cs.Empty() {
		t.Fatal("expected a change-set")
	}
	if len(cs.Fields) != 1 {
		t.Fatalf("expected exactly one field, got %v", fieldNames(cs.Fields))
	}
	var name string
	if err := json.Unmarshal(cs.Fields["name"], &name); err != nil || name != "B" {
		t.Fatalf("expected name=B, got %s (err %v)", cs.Fields["name"], err)
	}
	if cs.Steps != nil {
		t.Fatalf("expected no step changes, got %+v", cs.Steps)
	}
}

func TestComputeAddedStepScenario(t *testing.T) {
	guide := store.Guide{
		GuideID: 1,
		Name:    "A",
		Steps:   []store.Step{{ID: "s1", Name: "Intro"}},
	}
	steps := []StepPayload{
		{ID: "s1", Name: strPtr("Intro")},
		{Name: strPtr("New")},
	}
	proposed := GuidePayload{Name: strPtr("B"), Steps: &steps}

	cs := Compute(guide, proposed, DefaultIgnored())
	var name string
	if err := json.Unmarshal(cs.Fields["name"], &name); err != nil || name != "B" {
		t.Fatalf("expected fields.name=B, got %s", cs.Fields["name"])
	}
	if cs.Steps == nil || len(cs.Steps.Added) != 1 || cs.Steps.Added[0].Name != "New" {
		t.Fatalf("expected one added step named New, got %+v", cs.Steps)
	}
	if len(cs.Steps.Removed) != 0 || len(cs.Steps.Modified) != 0 {
		t.Fatalf("expected no removals or modifications, got %+v", cs.Steps)
	}
}

func TestComputeRemovedAndModifiedSteps(t *testing.T) {
	guide := store.Guide{
		GuideID: 7,
		Steps: []store.Step{
			{ID: "s1", Name: "Intro", Description: "old"},
			{ID: "s2", Name: "Teardown"},
		},
	}
	steps := []StepPayload{
		{ID: "s1", Name: strPtr("Intro"), Description: strPtr("new")},
	}
	cs := Compute(guide, GuidePayload{Steps: &steps}, DefaultIgnored())

	if cs.Steps == nil {
		t.Fatal("expected step changes")
	}
	if len(cs.Steps.Removed) != 1 || cs.Steps.Removed[0] != "s2" {
		t.Fatalf("expected s2 removed, got %v", cs.Steps.Removed)
	}
	if len(cs.Steps.Modified) != 1 || cs.Steps.Modified[0].StepID != "s1" {
		t.Fatalf("expected s1 modified, got %+v", cs.Steps.Modified)
	}
	values := cs.Steps.Modified[0].UpdatedValues
	if len(values) != 1 {
		t.Fatalf("expected only description delta, got %v", rawKeys(values))
	}
	var description string
	if err := json.Unmarshal(values["description"], &description); err != nil || description != "new" {
		t.Fatalf("expected description=new, got %s", values["description"])
	}
}

func TestApplyRoundTrip(t *testing.T) {
	guide := sampleGuide()
	proposed := payloadFromGuide(guide)
	proposed.Name = strPtr("B")
	proposed.Description = strPtr("Updated walkthrough")
	(*proposed.Steps)[0].Name = strPtr("Preparation")
	// Placement edits ride along in the payload but must not survive.
	(*proposed.Steps)[0].Placements = strPtr("anchor:hijacked")
	(*(*proposed.Steps)[0].Contents)[0].Position = store.Vec3{X: -1, Y: -1, Z: -1}

	cs := Compute(guide, proposed, DefaultIgnored())
	applied, err := Apply(guide, cs, time.Now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if applied.Name != "B" || applied.Description != "Updated walkthrough" {
		t.Fatalf("top-level fields not applied: %+v", applied)
	}
	if applied.Steps[0].Name != "Preparation" {
		t.Fatalf("step modification not applied: %+v", applied.Steps[0])
	}
	if applied.Steps[0].Placements != "anchor:table-01" {
		t.Fatalf("step placement must keep its original value, got %q", applied.Steps[0].Placements)
	}
	if applied.Steps[0].Contents[0].Position != (store.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("content position must keep its original value, got %+v", applied.Steps[0].Contents[0].Position)
	}
	if applied.Steps[0].Contents[0].Rotations != (store.Vec3{X: 0, Y: 90, Z: 0}) {
		t.Fatalf("content rotations must keep their original value, got %+v", applied.Steps[0].Contents[0].Rotations)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	guide := store.Guide{
		GuideID: 1,
		Name:    "A",
		Steps:   []store.Step{{ID: "s1", Name: "Intro"}, {ID: "s2", Name: "Obsolete"}},
	}
	steps := []StepPayload{
		{ID: "s1", Name: strPtr("Intro revised")},
		{Name: strPtr("New")},
	}
	cs := Compute(guide, GuidePayload{Name: strPtr("B"), Steps: &steps}, DefaultIgnored())
	AssignIdentities(&cs, func(prefix string) string { return prefix + "_fixed" })

	now := time.Unix(1700000000, 0)
	once, err := Apply(guide, cs, now)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	twice, err := Apply(once, cs, now)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}

	onceJSON, _ := json.Marshal(once)
	twiceJSON, _ := json.Marshal(twice)
	if string(onceJSON) != string(twiceJSON) {
		t.Fatalf("double apply diverged:\nonce:  %s\ntwice: %s", onceJSON, twiceJSON)
	}
	if len(twice.Steps) != 2 {
		t.Fatalf("expected 2 steps after double apply, got %d", len(twice.Steps))
	}
}

func TestApplySkipsMissingModifiedStep(t *testing.T) {
	guide := store.Guide{GuideID: 3, Steps: []store.Step{{ID: "s1", Name: "Intro"}}}
	cs := ChangeSet{
		Steps: &StepChanges{
			Modified: []StepDelta{{
				StepID:        "s-gone",
				UpdatedValues: map[string]json.RawMessage{"name": json.RawMessage(`"Renamed"`)},
			}},
		},
	}
	applied, err := Apply(guide, cs, time.Now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(applied.Steps) != 1 || applied.Steps[0].Name != "Intro" {
		t.Fatalf("concurrently removed step must be skipped silently, got %+v", applied.Steps)
	}
}

func TestAssignIdentities(t *testing.T) {
	cs := ChangeSet{
		Steps: &StepChanges{
			Added: []store.Step{{Name: "New", Contents: []store.Content{{Type: "icon", Link: "x"}}}},
		},
	}
	counter := 0
	AssignIdentities(&cs, func(prefix string) string {
		counter++
		return fmt.Sprintf("%s_%d", prefix, counter)
	})
	if cs.Steps.Added[0].ID == "" {
		t.Fatal("added step did not receive an identity")
	}
	if cs.Steps.Added[0].Contents[0].ID == "" {
		t.Fatal("added content did not receive an identity")
	}
}

func TestComputeIgnoresStepsWhenAbsent(t *testing.T) {
	guide := sampleGuide()
	cs := Compute(guide, GuidePayload{Name: strPtr("Renamed")}, DefaultIgnored())
	if cs.Steps != nil {
		t.Fatalf("absent steps must not be diffed, got %+v", cs.Steps)
	}
	if len(cs.Fields) != 1 {
		t.Fatalf("expected single field delta, got %v", fieldNames(cs.Fields))
	}
}

func fieldNames(fields map[string]json.RawMessage) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	return names
}

func rawKeys(values map[string]json.RawMessage) []string {
	return fieldNames(values)
}

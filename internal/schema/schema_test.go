package schema_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/docreplica/replicator/internal/model"
	"github.com/docreplica/replicator/internal/schema"
)

func TestObserveReportsNewKeysOnFirstSight(t *testing.T) {
	tr := schema.New()
	docs := []model.Document{
		{ID: "1", Data: map[string]any{"name": "a", "address": map[string]any{"city": "x"}}},
	}
	change, changed := tr.Observe("appointments", docs)
	if !changed {
		t.Fatal("expected a change on first observation")
	}
	want := []string{"address", "address.city", "name"}
	if diff := cmp.Diff(want, change.NewKeys); diff != "" {
		t.Errorf("NewKeys mismatch (-want +got):\n%s", diff)
	}
	if change.TotalKeys != 3 {
		t.Errorf("TotalKeys = %d, want 3", change.TotalKeys)
	}
}

func TestObserveIsMonotonicAndIgnoresRemovals(t *testing.T) {
	tr := schema.New()
	tr.Observe("appointments", []model.Document{
		{ID: "1", Data: map[string]any{"name": "a", "phone": "555"}},
	})

	// second sample drops "phone" and adds "email" -- removals ignored,
	// only the addition should be reported.
	change, changed := tr.Observe("appointments", []model.Document{
		{ID: "2", Data: map[string]any{"name": "b", "email": "b@x.com"}},
	})
	if !changed {
		t.Fatal("expected a change for the new 'email' key")
	}
	if diff := cmp.Diff([]string{"email"}, change.NewKeys); diff != "" {
		t.Errorf("NewKeys mismatch (-want +got):\n%s", diff)
	}
	if change.TotalKeys != 3 {
		t.Errorf("TotalKeys = %d, want 3 (name, phone, email all remembered)", change.TotalKeys)
	}
}

func TestObserveNoChangeWhenKeysRepeat(t *testing.T) {
	tr := schema.New()
	tr.Observe("appointments", []model.Document{{ID: "1", Data: map[string]any{"name": "a"}}})
	_, changed := tr.Observe("appointments", []model.Document{{ID: "2", Data: map[string]any{"name": "b"}}})
	if changed {
		t.Error("expected no change when no new keys appear")
	}
}

func TestObserveDoesNotDescendIntoArrays(t *testing.T) {
	tr := schema.New()
	change, _ := tr.Observe("appointments", []model.Document{
		{ID: "1", Data: map[string]any{"tags": []any{map[string]any{"nested": true}}}},
	})
	for _, k := range change.NewKeys {
		if k != "tags" {
			t.Errorf("expected only top-level 'tags' key, descended into array: %v", change.NewKeys)
		}
	}
}

func TestObserveSamplesAtMostK(t *testing.T) {
	tr := schema.New()
	var docs []model.Document
	for i := 0; i < 10; i++ {
		data := map[string]any{"k": i}
		if i >= schema.SampleSize {
			data["late"] = true
		}
		docs = append(docs, model.Document{ID: string(rune('a' + i)), Data: data})
	}
	// only the first SampleSize docs are sampled, so the "late" key carried
	// by the docs after them must not be discovered.
	change, changed := tr.Observe("big", docs)
	if !changed {
		t.Fatal("expected a change")
	}
	if diff := cmp.Diff([]string{"k"}, change.NewKeys); diff != "" {
		t.Errorf("NewKeys mismatch (-want +got):\n%s", diff)
	}
}

package callctx

import (
	"testing"
	"time"
)

func TestNew_SeedsMetadataAndIdentity(t *testing.T) {
	c := New("+15551234567", "+15559876543", "sales", map[string]any{"business_name": "Acme Dental"})

	m := c.ToMap()
	if m["caller_id"] != "+15551234567" {
		t.Errorf("expected caller_id in map, got %v", m["caller_id"])
	}
	if m["business_name"] != "Acme Dental" {
		t.Errorf("expected seeded metadata to survive, got %v", m["business_name"])
	}
	if m["mode"] != "sales" {
		t.Errorf("expected mode sales, got %v", m["mode"])
	}
}

func TestSetOutcome_ReflectedInMapAndSnapshot(t *testing.T) {
	c := New("+1", "+2", "healthcare", nil)
	c.SetOutcome("meeting_booked")

	if c.Outcome() != "meeting_booked" {
		t.Errorf("expected outcome recorded")
	}
	snap := c.Snapshot(time.Unix(0, 0))
	if snap.Outcome != "meeting_booked" {
		t.Errorf("expected snapshot to carry outcome, got %q", snap.Outcome)
	}
}

func TestMergeMetadata_OverwritesExistingKeys(t *testing.T) {
	c := New("+1", "+2", "sales", map[string]any{"k": "v1"})
	c.MergeMetadata(map[string]any{"k": "v2", "k2": "v3"})

	m := c.ToMap()
	if m["k"] != "v2" || m["k2"] != "v3" {
		t.Errorf("expected merge to overwrite and add keys, got %v", m)
	}
}

func TestEnd_MarksEnded(t *testing.T) {
	c := New("+1", "+2", "sales", nil)
	if c.Ended() {
		t.Fatalf("expected not ended initially")
	}
	c.End()
	if !c.Ended() {
		t.Errorf("expected ended after End()")
	}
}

func TestAddNote_AccumulatesInOrder(t *testing.T) {
	c := New("+1", "+2", "sales", nil)
	c.AddNote("first")
	c.AddNote("second")

	snap := c.Snapshot(time.Now())
	if len(snap.Notes) != 2 || snap.Notes[0] != "first" || snap.Notes[1] != "second" {
		t.Errorf("expected notes in insertion order, got %v", snap.Notes)
	}
}

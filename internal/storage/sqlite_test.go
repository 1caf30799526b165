package storage

import (
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies the hot-path indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_turns_created_at", "idx_injections_pending", "idx_objective_events_created_at"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestAppendAndListTurns appends turns and verifies RecentTurns windowing
// and chronological order.
func TestAppendAndListTurns(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for j := 0; j < 10; j++ {
		role := RoleUser
		if j%2 == 1 {
			role = RoleAssistant
		}
		turn := Turn{
			ID:        fmt.Sprintf("turn-%02d", j),
			Role:      role,
			Text:      fmt.Sprintf("message %d", j),
			CreatedAt: base.Add(time.Duration(j) * time.Minute),
		}
		if err := s.AppendTurn(turn); err != nil {
			t.Fatalf("AppendTurn %d: %v", j, err)
		}
	}

	got, err := s.RecentTurns(4)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d turns, want 4", len(got))
	}

	// The window holds the newest turns, oldest first.
	if got[0].ID != "turn-06" {
		t.Errorf("first turn ID = %q, want %q", got[0].ID, "turn-06")
	}
	if got[3].ID != "turn-09" {
		t.Errorf("last turn ID = %q, want %q", got[3].ID, "turn-09")
	}
	for k := 1; k < len(got); k++ {
		if got[k].CreatedAt.Before(got[k-1].CreatedAt) {
			t.Errorf("not in chronological order: [%d]=%v < [%d]=%v", k, got[k].CreatedAt, k-1, got[k-1].CreatedAt)
		}
	}
}

// TestLastUserTurnTime verifies only user turns count toward the inactivity clock.
func TestLastUserTurnTime(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LastUserTurnTime()
	if err != ErrNotFound {
		t.Errorf("error on empty log = %v, want ErrNotFound", err)
	}

	userAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.AppendTurn(Turn{ID: "t-u", Role: RoleUser, Text: "hi", CreatedAt: userAt}); err != nil {
		t.Fatalf("AppendTurn user: %v", err)
	}
	if err := s.AppendTurn(Turn{ID: "t-a", Role: RoleAssistant, Text: "hello", CreatedAt: userAt.Add(time.Minute)}); err != nil {
		t.Fatalf("AppendTurn assistant: %v", err)
	}

	got, err := s.LastUserTurnTime()
	if err != nil {
		t.Fatalf("LastUserTurnTime: %v", err)
	}
	if !got.Equal(userAt) {
		t.Errorf("LastUserTurnTime = %v, want %v", got, userAt)
	}
}

// TestInjectionConsumedOnce verifies the consumed flag flips exactly once.
func TestInjectionConsumedOnce(t *testing.T) {
	s := openTestStore(t)

	inj := Injection{
		ID:        "inj-1",
		Source:    SourcePipeline,
		Text:      "Ask the user about their morning run.",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateInjection(inj); err != nil {
		t.Fatalf("CreateInjection: %v", err)
	}

	got, err := s.NextUnconsumedInjection(24 * time.Hour)
	if err != nil {
		t.Fatalf("NextUnconsumedInjection: %v", err)
	}
	if got.ID != "inj-1" {
		t.Errorf("ID = %q, want %q", got.ID, "inj-1")
	}

	if err := s.MarkConsumed("inj-1"); err != nil {
		t.Fatalf("MarkConsumed: %v", err)
	}
	if err := s.MarkConsumed("inj-1"); err != ErrNotFound {
		t.Errorf("second MarkConsumed = %v, want ErrNotFound", err)
	}

	if _, err := s.NextUnconsumedInjection(24 * time.Hour); err != ErrNotFound {
		t.Errorf("NextUnconsumedInjection after consume = %v, want ErrNotFound", err)
	}
}

// TestNextUnconsumedInjection_Order verifies the oldest pending injection wins.
func TestNextUnconsumedInjection_Order(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for j := 0; j < 3; j++ {
		inj := Injection{
			ID:        fmt.Sprintf("inj-%02d", j),
			Source:    SourcePipeline,
			Text:      fmt.Sprintf("instruction %d", j),
			CreatedAt: base.Add(time.Duration(j) * time.Minute),
		}
		if err := s.CreateInjection(inj); err != nil {
			t.Fatalf("CreateInjection %d: %v", j, err)
		}
	}

	got, err := s.NextUnconsumedInjection(24 * time.Hour)
	if err != nil {
		t.Fatalf("NextUnconsumedInjection: %v", err)
	}
	if got.ID != "inj-00" {
		t.Errorf("ID = %q, want %q (oldest first)", got.ID, "inj-00")
	}
}

// TestNextUnconsumedInjection_SkipsStale verifies injections past maxAge are
// never returned but stay in the table.
func TestNextUnconsumedInjection_SkipsStale(t *testing.T) {
	s := openTestStore(t)

	stale := Injection{
		ID:        "inj-stale",
		Source:    SourcePipeline,
		Text:      "old instruction",
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := s.CreateInjection(stale); err != nil {
		t.Fatalf("CreateInjection: %v", err)
	}

	if _, err := s.NextUnconsumedInjection(24 * time.Hour); err != ErrNotFound {
		t.Errorf("NextUnconsumedInjection = %v, want ErrNotFound for stale-only table", err)
	}

	list, err := s.ListInjections(10)
	if err != nil {
		t.Fatalf("ListInjections: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("stale injection removed from table: got %d rows, want 1", len(list))
	}
}

// TestListInjections verifies consumed metadata round-trips.
func TestListInjections(t *testing.T) {
	s := openTestStore(t)

	inj := Injection{
		ID:        "inj-list",
		Source:    SourceNotifier,
		Text:      "check in",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateInjection(inj); err != nil {
		t.Fatalf("CreateInjection: %v", err)
	}
	if err := s.MarkConsumed("inj-list"); err != nil {
		t.Fatalf("MarkConsumed: %v", err)
	}

	list, err := s.ListInjections(10)
	if err != nil {
		t.Fatalf("ListInjections: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d injections, want 1", len(list))
	}
	if !list[0].Consumed {
		t.Error("Consumed = false, want true")
	}
	if list[0].ConsumedAt.IsZero() {
		t.Error("ConsumedAt is zero, want set")
	}
	if list[0].Source != SourceNotifier {
		t.Errorf("Source = %q, want %q", list[0].Source, SourceNotifier)
	}
}

// TestObjectiveLifecycle covers create, list, deactivate.
func TestObjectiveLifecycle(t *testing.T) {
	s := openTestStore(t)

	o := Objective{
		ID:        "obj-1",
		Title:     "Meditate",
		Detail:    "10 minutes every morning",
		Cadence:   CadenceDaily,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateObjective(o); err != nil {
		t.Fatalf("CreateObjective: %v", err)
	}

	got, err := s.GetObjective("obj-1")
	if err != nil {
		t.Fatalf("GetObjective: %v", err)
	}
	if !got.Active {
		t.Error("new objective should be active")
	}
	if got.Title != "Meditate" {
		t.Errorf("Title = %q, want %q", got.Title, "Meditate")
	}

	if err := s.DeactivateObjective("obj-1"); err != nil {
		t.Fatalf("DeactivateObjective: %v", err)
	}
	if err := s.DeactivateObjective("obj-1"); err != ErrNotFound {
		t.Errorf("second DeactivateObjective = %v, want ErrNotFound", err)
	}

	active, err := s.ListObjectives(true)
	if err != nil {
		t.Fatalf("ListObjectives(true): %v", err)
	}
	if len(active) != 0 {
		t.Errorf("got %d active objectives, want 0", len(active))
	}

	all, err := s.ListObjectives(false)
	if err != nil {
		t.Fatalf("ListObjectives(false): %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d objectives, want 1", len(all))
	}
}

// TestCreateObjective_DefaultCadence verifies an empty cadence becomes daily.
func TestCreateObjective_DefaultCadence(t *testing.T) {
	s := openTestStore(t)

	o := Objective{ID: "obj-cad", Title: "Read", CreatedAt: time.Now().UTC()}
	if err := s.CreateObjective(o); err != nil {
		t.Fatalf("CreateObjective: %v", err)
	}

	got, err := s.GetObjective("obj-cad")
	if err != nil {
		t.Fatalf("GetObjective: %v", err)
	}
	if got.Cadence != CadenceDaily {
		t.Errorf("Cadence = %q, want %q", got.Cadence, CadenceDaily)
	}
}

// TestObjectiveEvents records progress and reads it back with a time filter.
func TestObjectiveEvents(t *testing.T) {
	s := openTestStore(t)

	o := Objective{ID: "obj-ev", Title: "Run", CreatedAt: time.Now().UTC()}
	if err := s.CreateObjective(o); err != nil {
		t.Fatalf("CreateObjective: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	old := ObjectiveEvent{ID: "ev-old", ObjectiveID: "obj-ev", Note: "ran yesterday", CreatedAt: now.Add(-48 * time.Hour)}
	recent := ObjectiveEvent{ID: "ev-new", ObjectiveID: "obj-ev", Note: "ran 5k", CreatedAt: now}
	if err := s.RecordObjectiveEvent(old); err != nil {
		t.Fatalf("RecordObjectiveEvent old: %v", err)
	}
	if err := s.RecordObjectiveEvent(recent); err != nil {
		t.Fatalf("RecordObjectiveEvent recent: %v", err)
	}

	got, err := s.ObjectiveEventsSince(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("ObjectiveEventsSince: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].ID != "ev-new" {
		t.Errorf("ID = %q, want %q", got[0].ID, "ev-new")
	}
}

// TestRecordObjectiveEvent_UnknownObjective rejects events for missing objectives.
func TestRecordObjectiveEvent_UnknownObjective(t *testing.T) {
	s := openTestStore(t)

	ev := ObjectiveEvent{ID: "ev-x", ObjectiveID: "missing", Note: "n", CreatedAt: time.Now().UTC()}
	if err := s.RecordObjectiveEvent(ev); err != ErrNotFound {
		t.Errorf("RecordObjectiveEvent = %v, want ErrNotFound", err)
	}
}

// TestSaveFacts writes a batch in one transaction and reads it back.
func TestSaveFacts(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	facts := []Fact{
		{ID: "f-1", Category: "interest", Item: "trail running", SourceTurnIDs: `["t1"]`, CreatedAt: now},
		{ID: "f-2", Category: "commitment", Item: "call mom on Sunday", CreatedAt: now.Add(time.Second)},
	}
	if err := s.SaveFacts(facts); err != nil {
		t.Fatalf("SaveFacts: %v", err)
	}

	got, err := s.RecentFacts(10)
	if err != nil {
		t.Fatalf("RecentFacts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d facts, want 2", len(got))
	}
	// Empty source list defaults to an empty JSON array.
	if got[0].ID == "f-2" && got[0].SourceTurnIDs != "[]" {
		t.Errorf("SourceTurnIDs = %q, want %q", got[0].SourceTurnIDs, "[]")
	}
}

// TestSaveFacts_Empty is a no-op.
func TestSaveFacts_Empty(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveFacts(nil); err != nil {
		t.Fatalf("SaveFacts(nil): %v", err)
	}
}

// TestRecordDelivery round-trips a failed delivery with its error message.
func TestRecordDelivery(t *testing.T) {
	s := openTestStore(t)

	d := Delivery{
		ID:        "d-1",
		Title:     "sidekick",
		Body:      "Ask the user how the presentation went.",
		OK:        false,
		Error:     "ntfy.sh returned 500",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.RecordDelivery(d); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}

	got, err := s.RecentDeliveries(5)
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(got))
	}
	if got[0].OK {
		t.Error("OK = true, want false")
	}
	if got[0].Error != "ntfy.sh returned 500" {
		t.Errorf("Error = %q, want %q", got[0].Error, "ntfy.sh returned 500")
	}
}

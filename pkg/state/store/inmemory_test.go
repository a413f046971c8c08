package store_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/studycircle/chatkit/pkg/logging"
	"github.com/studycircle/chatkit/pkg/state"
	"github.com/studycircle/chatkit/pkg/state/store"
)

func newTestStore() *store.MessageStore {
	return store.NewMessageStore(logging.Discard())
}

func msg(id string, at time.Time, content string) state.Message {
	return state.Message{
		ID:        id,
		Content:   content,
		Sender:    state.UserSummary{ID: "u-1", Name: "Dana"},
		CreatedAt: at,
	}
}

// --- Add / Update / Delete ---

func TestAddDuplicateGuard(t *testing.T) {
	s := newTestStore()
	at := time.Now()

	if !s.Apply(store.Add{Message: msg("m-1", at, "hello")}) {
		t.Fatal("first Add should mutate")
	}
	if s.Apply(store.Add{Message: msg("m-1", at, "hello again")}) {
		t.Error("second Add with the same id should be a no-op")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 message, got %d", s.Len())
	}
}

func TestUpdateRetainedUntilDelete(t *testing.T) {
	s := newTestStore()
	at := time.Now()
	s.Apply(store.Add{Message: msg("m-1", at, "original")})
	s.Apply(store.Add{Message: msg("m-2", at.Add(time.Second), "other")})

	edited := msg("m-1", at, "edited")
	edited.Edited = true
	if !s.Apply(store.Update{Message: edited}) {
		t.Fatal("Update of present message should mutate")
	}
	got, ok := s.Get("m-1")
	if !ok || got.Content != "edited" || !got.Edited {
		t.Errorf("expected last update retained, got %+v", got)
	}

	if s.Apply(store.Update{Message: msg("m-404", at, "ghost")}) {
		t.Error("Update of absent id should be a no-op")
	}
	if s.Apply(store.Delete{ID: "m-404"}) {
		t.Error("Delete of absent id should be a no-op")
	}

	if !s.Apply(store.Delete{ID: "m-1"}) {
		t.Fatal("Delete of present message should mutate")
	}
	if s.Contains("m-1") {
		t.Error("deleted message still present")
	}
	if got, _ := s.Get("m-2"); got.Content != "other" {
		t.Error("untargeted message lost its content")
	}
}

// --- Replace (temp reconciliation) ---

func TestReplaceSwapsTempForConfirmed(t *testing.T) {
	s := newTestStore()
	at := time.Now()

	temp := msg(state.TempIDPrefix+"abc", at, "hi")
	temp.LocalID = temp.ID
	temp.Temp = true
	s.Apply(store.Add{Message: temp})

	confirmed := msg("m-9", at, "hi")
	confirmed.LocalID = temp.LocalID
	if !s.Apply(store.Replace{OldID: temp.ID, Message: confirmed}) {
		t.Fatal("Replace should mutate")
	}

	if s.Len() != 1 {
		t.Fatalf("expected exactly one entry after reconciliation, got %d", s.Len())
	}
	if s.Contains(temp.ID) {
		t.Error("temp id still present after reconciliation")
	}
	if !s.Contains("m-9") {
		t.Error("confirmed id missing after reconciliation")
	}
}

func TestReplaceDropsTempWhenConfirmedAlreadyHeld(t *testing.T) {
	s := newTestStore()
	at := time.Now()

	temp := msg(state.TempIDPrefix+"abc", at, "hi")
	s.Apply(store.Add{Message: temp})
	s.Apply(store.Add{Message: msg("m-9", at, "hi")})

	s.Apply(store.Replace{OldID: temp.ID, Message: msg("m-9", at, "hi")})
	if s.Len() != 1 {
		t.Fatalf("temp and confirmed coexist: %d entries", s.Len())
	}
	if s.Contains(temp.ID) {
		t.Error("temp entry survived")
	}
}

// --- Ordering ---

func TestChronologicalOrderStableForTies(t *testing.T) {
	s := newTestStore()
	at := time.Now()

	// two messages share a timestamp; arrival order must be preserved
	s.Apply(store.Add{Message: msg("m-1", at, "first")})
	s.Apply(store.Add{Message: msg("m-2", at, "second")})
	s.Apply(store.Add{Message: msg("m-3", at.Add(time.Second), "third")})

	got := s.Chronological()
	want := []string{"m-1", "m-2", "m-3"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestReplaceAllAndPrependOlder(t *testing.T) {
	s := newTestStore()
	base := time.Now()

	newer := make([]state.Message, 0, 3)
	for i := 10; i < 13; i++ {
		newer = append(newer, msg("m-"+strconv.Itoa(i), base.Add(time.Duration(i)*time.Second), "n"))
	}
	s.Apply(store.ReplaceAll{Messages: newer})

	older := make([]state.Message, 0, 3)
	for i := 0; i < 3; i++ {
		older = append(older, msg("m-"+strconv.Itoa(i), base.Add(time.Duration(i)*time.Second), "o"))
	}
	// include one duplicate of the already-held window
	older = append(older, newer[0])
	s.Apply(store.PrependOlder{Messages: older})

	got := s.Chronological()
	if len(got) != 6 {
		t.Fatalf("expected 6 unique messages, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatal("chronological order violated after prepend")
		}
	}
	if got[0].ID != "m-0" || got[len(got)-1].ID != "m-12" {
		t.Errorf("unexpected boundary ids: %s .. %s", got[0].ID, got[len(got)-1].ID)
	}
}

func TestPrependOlderIdempotent(t *testing.T) {
	s := newTestStore()
	base := time.Now()
	page := []state.Message{
		msg("m-0", base, "a"),
		msg("m-1", base.Add(time.Second), "b"),
	}
	s.Apply(store.ReplaceAll{Messages: page})

	if s.Apply(store.PrependOlder{Messages: page}) {
		t.Error("re-merging an already-held page should not mutate")
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 messages, got %d", s.Len())
	}
}

package memory

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestAddAssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Add("remember this", 0.7, []string{"Work"}, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if e.ID == "" || e.CreatedAt == 0 {
		t.Errorf("entry missing id/timestamp: %+v", e)
	}

	got, err := s.Get(e.ID)
	if err != nil || got == nil {
		t.Fatalf("Get: %v, %v", got, err)
	}
	if got.Content != "remember this" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestImportanceClamped(t *testing.T) {
	s := newTestStore(t)
	e, _ := s.Add("x", 3.0, nil, "")
	if e.Importance != 1 {
		t.Errorf("importance = %v, want 1", e.Importance)
	}
	e, _ = s.Add("y", -1, nil, "")
	if e.Importance != 0 {
		t.Errorf("importance = %v, want 0", e.Importance)
	}
}

func TestSessionScoping(t *testing.T) {
	s := newTestStore(t)
	s.Add("global fact", 0.5, nil, "")
	s.Add("private to a", 0.5, nil, "sess-a")
	s.Add("private to b", 0.5, nil, "sess-b")

	// Search scoped to sess-a: global + a's private entries.
	results, err := s.Search(SearchOptions{SessionID: "sess-a"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	contents := contentSet(results)
	if !contents["global fact"] || !contents["private to a"] || contents["private to b"] {
		t.Errorf("scoped search returned %v", contents)
	}

	// No session filter: everything.
	results, _ = s.Search(SearchOptions{})
	if len(results) != 3 {
		t.Errorf("unscoped search returned %d entries, want 3", len(results))
	}
}

func TestTagFilterCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	s.Add("tagged", 0.5, []string{"Project-X"}, "")
	s.Add("untagged", 0.5, nil, "")

	results, err := s.Search(SearchOptions{Tags: []string{"project-x"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Content != "tagged" {
		t.Errorf("tag search = %v", results)
	}
}

func TestRelevanceNeutralWithoutTokens(t *testing.T) {
	// Query with only short tokens scores a neutral 0.5.
	if got := relevanceScore("a of to", "anything"); got != 0.5 {
		t.Errorf("relevanceScore = %v, want 0.5", got)
	}
	if got := relevanceScore("", "anything"); got != 0.5 {
		t.Errorf("relevanceScore(empty) = %v, want 0.5", got)
	}
	if got := relevanceScore("banana apple", "I like banana bread"); got != 0.5 {
		t.Errorf("relevanceScore = %v, want 0.5 (one of two tokens)", got)
	}
	if got := relevanceScore("banana", "I like banana bread"); got != 1.0 {
		t.Errorf("relevanceScore = %v, want 1.0", got)
	}
}

func TestSearchRanking(t *testing.T) {
	s := newTestStore(t)
	s.Add("the database password rotation schedule", 0.9, nil, "")
	s.Add("lunch order preferences", 0.1, nil, "")

	results, err := s.Search(SearchOptions{Query: "database password"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Content != "the database password rotation schedule" {
		t.Errorf("top result = %q", results[0].Content)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v, %v", results[0].Score, results[1].Score)
	}
}

func TestMaxResultsAndMinScore(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 15; i++ {
		s.Add("entry", 0.5, nil, "")
	}

	results, _ := s.Search(SearchOptions{})
	if len(results) != 10 {
		t.Errorf("default max results = %d, want 10", len(results))
	}

	results, _ = s.Search(SearchOptions{MinScore: 99})
	if len(results) != 0 {
		t.Errorf("minScore filter returned %d", len(results))
	}
}

func TestMalformedLinesSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entries.jsonl")
	content := `{"id":"1","createdAt":1,"content":"good","importance":0.5}
this is not json
{"id":"2","createdAt":2,"content":"also good","importance":0.5}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	count, err := s.Count(nil)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Add("concurrent", 0.5, nil, ""); err != nil {
				t.Errorf("Add: %v", err)
			}
		}()
	}
	wg.Wait()

	count, _ := s.Count(nil)
	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
}

func TestListPagination(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.Add("e", 0.5, nil, "")
	}

	page, err := s.List(2, 1, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("page size = %d, want 2", len(page))
	}

	page, _ = s.List(10, 100, nil)
	if len(page) != 0 {
		t.Errorf("out-of-range offset returned %d entries", len(page))
	}
}

func contentSet(results []ScoredEntry) map[string]bool {
	set := make(map[string]bool)
	for _, r := range results {
		set[r.Content] = true
	}
	return set
}

package tailer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func writeLines(t *testing.T, path string, from, to int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer f.Close()

	for i := from; i <= to; i++ {
		if _, err := fmt.Fprintf(f, "line%d\n", i); err != nil {
			t.Fatalf("Failed to write to log file: %v", err)
		}
	}
}

func appendRaw(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		t.Fatalf("Failed to write to log file: %v", err)
	}
}

func TestPollThenIdle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.log")
	writeLines(t, path, 1, 10)

	tracker := NewTracker(nil)

	records, err := tracker.Poll(path)
	if err != nil {
		t.Fatalf("Failed to poll: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("Expected 10 records, got %d", len(records))
	}

	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat: %v", err)
	}
	if tracker.Offset(path) != stat.Size() {
		t.Errorf("Expected offset %d, got %d", stat.Size(), tracker.Offset(path))
	}
	if records[9].End() != stat.Size() {
		t.Errorf("Expected last record to end at %d, got %d", stat.Size(), records[9].End())
	}

	records, err = tracker.Poll(path)
	if err != nil {
		t.Fatalf("Failed to poll: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no records on idle poll, got %d", len(records))
	}
}

func TestPollAppendsWithoutDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.log")
	tracker := NewTracker(nil)

	seen := make(map[string]int)
	next := 1
	for round := 0; round < 5; round++ {
		count := round + 2
		writeLines(t, path, next, next+count-1)

		records, err := tracker.Poll(path)
		if err != nil {
			t.Fatalf("Failed to poll: %v", err)
		}
		if len(records) != count {
			t.Fatalf("Round %d: expected %d records, got %d", round, count, len(records))
		}

		for i, r := range records {
			want := fmt.Sprintf("line%d\n", next+i)
			if r.Text != want {
				t.Errorf("Round %d: expected %q, got %q", round, want, r.Text)
			}
			seen[r.Text]++
		}
		next += count
	}

	for text, n := range seen {
		if n != 1 {
			t.Errorf("Line %q returned %d times", text, n)
		}
	}
	if len(seen) != next-1 {
		t.Errorf("Expected %d distinct lines, got %d", next-1, len(seen))
	}
}

func TestPollHoldsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.log")
	appendRaw(t, path, "complete\npart")

	tracker := NewTracker(nil)

	records, err := tracker.Poll(path)
	if err != nil {
		t.Fatalf("Failed to poll: %v", err)
	}
	if len(records) != 1 || records[0].Text != "complete\n" {
		t.Fatalf("Expected only the complete line, got %+v", records)
	}
	if tracker.Offset(path) != int64(len("complete\n")) {
		t.Errorf("Expected offset to stop before fragment, got %d", tracker.Offset(path))
	}

	appendRaw(t, path, "ial\n")

	records, err = tracker.Poll(path)
	if err != nil {
		t.Fatalf("Failed to poll: %v", err)
	}
	if len(records) != 1 || records[0].Text != "partial\n" {
		t.Fatalf("Expected joined line, got %+v", records)
	}
	if records[0].Offset != int64(len("complete\n")) {
		t.Errorf("Expected record offset %d, got %d", len("complete\n"), records[0].Offset)
	}
}

func TestPollMissingFileKeepsOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conn.log")
	writeLines(t, path, 1, 3)

	tracker := NewTracker(nil)
	if _, err := tracker.Poll(path); err != nil {
		t.Fatalf("Failed to poll: %v", err)
	}
	before := tracker.Offset(path)

	if err := os.Rename(path, filepath.Join(dir, "moved.log")); err != nil {
		t.Fatalf("Failed to move file: %v", err)
	}

	if _, err := tracker.Poll(path); err == nil {
		t.Fatal("Expected error for missing file")
	}
	if tracker.Offset(path) != before {
		t.Errorf("Expected offset %d to be kept, got %d", before, tracker.Offset(path))
	}
}

func TestPollStaleOffsetAfterTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.log")
	writeLines(t, path, 1, 5)

	tracker := NewTracker(nil)
	if _, err := tracker.Poll(path); err != nil {
		t.Fatalf("Failed to poll: %v", err)
	}

	if err := os.WriteFile(path, []byte("fresh\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite file: %v", err)
	}

	records, err := tracker.Poll(path)
	if err != nil {
		t.Fatalf("Failed to poll: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected stale offset to skip rewritten content, got %d records", len(records))
	}
}

func TestPollTruncationCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.log")
	writeLines(t, path, 1, 5)

	tracker := NewTracker(nil, WithTruncationCheck())
	if _, err := tracker.Poll(path); err != nil {
		t.Fatalf("Failed to poll: %v", err)
	}

	if err := os.WriteFile(path, []byte("fresh\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite file: %v", err)
	}

	records, err := tracker.Poll(path)
	if err != nil {
		t.Fatalf("Failed to poll: %v", err)
	}
	if len(records) != 1 || records[0].Text != "fresh\n" {
		t.Fatalf("Expected rewritten content from the start, got %+v", records)
	}
	if records[0].Offset != 0 {
		t.Errorf("Expected record at offset 0, got %d", records[0].Offset)
	}
}

func TestConcurrentPollsOnDistinctFiles(t *testing.T) {
	dir := t.TempDir()
	tracker := NewTracker(nil)

	paths := make([]string, 8)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("file%d.log", i))
		writeLines(t, paths[i], 1, 20)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(paths))
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			records, err := tracker.Poll(p)
			if err != nil {
				errs <- err
				return
			}
			if len(records) != 20 {
				errs <- fmt.Errorf("%s: expected 20 records, got %d", p, len(records))
			}
		}(p)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	positions := tracker.Positions()
	if len(positions) != len(paths) {
		t.Fatalf("Expected %d positions, got %d", len(paths), len(positions))
	}
	for i := 1; i < len(positions); i++ {
		if strings.Compare(positions[i-1].Path, positions[i].Path) >= 0 {
			t.Errorf("Positions not sorted: %s before %s", positions[i-1].Path, positions[i].Path)
		}
	}
}

func TestForget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.log")
	writeLines(t, path, 1, 2)

	tracker := NewTracker(nil)
	if _, err := tracker.Poll(path); err != nil {
		t.Fatalf("Failed to poll: %v", err)
	}

	tracker.Forget(path)
	if tracker.Offset(path) != 0 {
		t.Errorf("Expected offset reset, got %d", tracker.Offset(path))
	}

	records, err := tracker.Poll(path)
	if err != nil {
		t.Fatalf("Failed to poll: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Expected file to be re-read, got %d records", len(records))
	}
}

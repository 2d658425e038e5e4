package registry

import "testing"

func TestPutGetRemove(t *testing.T) {
	r := New()
	r.Put("tx1", &PendingTransfer{InsertedAtMillis: 100})

	got, ok := r.Get("tx1")
	if !ok || got.InsertedAtMillis != 100 {
		t.Fatalf("expected tx1 present with InsertedAtMillis 100, got %+v ok=%v", got, ok)
	}

	r.Remove("tx1")
	if r.Contains("tx1") {
		t.Error("expected tx1 removed")
	}
}

func TestPutCollapsesReauthoring(t *testing.T) {
	r := New()
	r.Put("tx1", &PendingTransfer{InsertedAtMillis: 100})
	r.Put("tx2", &PendingTransfer{InsertedAtMillis: 101})
	r.Put("tx1", &PendingTransfer{InsertedAtMillis: 200})

	values := r.Values()
	if len(values) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(values))
	}
	// re-authored tx1 should now be last (moved to the tail on re-insert).
	if values[0].InsertedAtMillis != 101 || values[1].InsertedAtMillis != 200 {
		t.Fatalf("expected re-authored entry to move to tail, got %+v", values)
	}
}

func TestValuesPreservesInsertionOrder(t *testing.T) {
	r := New()
	r.Put("a", &PendingTransfer{InsertedAtMillis: 1})
	r.Put("b", &PendingTransfer{InsertedAtMillis: 2})
	r.Put("c", &PendingTransfer{InsertedAtMillis: 3})

	values := r.Values()
	want := []int64{1, 2, 3}
	for i, v := range want {
		if values[i].InsertedAtMillis != v {
			t.Fatalf("expected insertion order %v, got %+v", want, values)
		}
	}
}

func TestExpireRemovesOnlyHeadPrefix(t *testing.T) {
	r := New()
	r.Put("a", &PendingTransfer{InsertedAtMillis: 0})
	r.Put("b", &PendingTransfer{InsertedAtMillis: 10})
	r.Put("c", &PendingTransfer{InsertedAtMillis: 1000})

	removed := r.Expire(1000, 500)
	if len(removed) != 2 || removed[0] != "a" || removed[1] != "b" {
		t.Fatalf("expected a,b removed, got %v", removed)
	}
	if !r.Contains("c") {
		t.Error("expected c to remain")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 entry remaining, got %d", r.Len())
	}
}

func TestWithEntryMutatesLiveEntry(t *testing.T) {
	r := New()
	r.Put("tx1", &PendingTransfer{InsertedAtMillis: 100})

	found := r.WithEntry("tx1", func(entry *PendingTransfer) {
		entry.IsReady = true
	})
	if !found {
		t.Fatal("expected tx1 to be found")
	}

	got, ok := r.Get("tx1")
	if !ok || !got.IsReady {
		t.Fatalf("expected mutation inside WithEntry to stick, got %+v ok=%v", got, ok)
	}
}

func TestWithEntryReportsMissingID(t *testing.T) {
	r := New()
	if r.WithEntry("missing", func(entry *PendingTransfer) { t.Fatal("fn must not run for a missing id") }) {
		t.Fatal("expected false for a missing id")
	}
}

func TestGetReturnsASnapshotNotTheLiveEntry(t *testing.T) {
	r := New()
	r.Put("tx1", &PendingTransfer{InsertedAtMillis: 100})

	got, _ := r.Get("tx1")
	got.InsertedAtMillis = 999

	again, _ := r.Get("tx1")
	if again.InsertedAtMillis != 100 {
		t.Fatalf("expected mutating a Get result not to affect the stored entry, got %d", again.InsertedAtMillis)
	}
}

func TestForEachVisitsEveryEntryInOrder(t *testing.T) {
	r := New()
	r.Put("a", &PendingTransfer{InsertedAtMillis: 1})
	r.Put("b", &PendingTransfer{InsertedAtMillis: 2})

	var seen []string
	r.ForEach(func(id string, entry *PendingTransfer) {
		seen = append(seen, id)
	})
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("expected [a b], got %v", seen)
	}
}

func TestExpireStopsAtFirstYoungEntry(t *testing.T) {
	r := New()
	r.Put("a", &PendingTransfer{InsertedAtMillis: 900})
	r.Put("b", &PendingTransfer{InsertedAtMillis: 950})

	removed := r.Expire(1000, 500)
	if len(removed) != 0 {
		t.Fatalf("expected no removals, got %v", removed)
	}
}

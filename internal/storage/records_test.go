package storage

import (
	"testing"
	"time"
)

func TestMemoryDB_PutGetDelete(t *testing.T) {
	db := NewMemory()

	if err := db.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	v, err := db.Get([]byte("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v1" {
		t.Fatalf("Get = %q, want v1", v)
	}

	ok, err := db.Has([]byte("k1"))
	if err != nil || !ok {
		t.Fatalf("Has = %v, %v, want true, nil", ok, err)
	}

	if err := db.Delete([]byte("k1")); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get([]byte("k1")); err == nil {
		t.Fatal("expected error for deleted key")
	}
}

func TestMemoryDB_ForEachPrefix(t *testing.T) {
	db := NewMemory()
	db.Put([]byte("a/1"), []byte("1"))
	db.Put([]byte("a/2"), []byte("2"))
	db.Put([]byte("b/1"), []byte("3"))

	count := 0
	err := db.ForEach([]byte("a/"), func(key, value []byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("ForEach visited %d keys, want 2", count)
	}
}

func TestRewardStore_AppendAll(t *testing.T) {
	store := NewRewardStore(NewMemory())

	base := time.Now()
	for i := 0; i < 3; i++ {
		rec := RewardRecord{
			PeerID:      "peer-a",
			SafeAddress: "0xsafe",
			Probability: 0.25,
			Amount:      1.5,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Append(rec); err != nil {
			t.Fatal(err)
		}
	}

	records, err := store.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("All = %d records, want 3", len(records))
	}
	for _, rec := range records {
		if rec.PeerID != "peer-a" || rec.Probability != 0.25 {
			t.Fatalf("unexpected record %+v", rec)
		}
	}
}

func TestRewardStore_DistinctTimestampsDistinctKeys(t *testing.T) {
	store := NewRewardStore(NewMemory())

	ts := time.Now()
	store.Append(RewardRecord{PeerID: "p1", Timestamp: ts})
	store.Append(RewardRecord{PeerID: "p2", Timestamp: ts})

	records, err := store.All()
	if err != nil {
		t.Fatal(err)
	}
	// Same timestamp, different peers: both must survive.
	if len(records) != 2 {
		t.Fatalf("All = %d records, want 2", len(records))
	}
}

func TestMessageStore_RecordAccumulates(t *testing.T) {
	store := NewMessageStore(NewMemory())

	if err := store.Record("peer-a", 10, 8, 2); err != nil {
		t.Fatal(err)
	}
	if err := store.Record("peer-a", 5, 5, 0); err != nil {
		t.Fatal(err)
	}

	totals, err := store.Totals("peer-a")
	if err != nil {
		t.Fatal(err)
	}
	if totals.Sent != 15 || totals.Relayed != 13 || totals.Failed != 2 {
		t.Fatalf("Totals = %+v, want sent 15, relayed 13, failed 2", totals)
	}
}

func TestMessageStore_UnknownPeerZeroed(t *testing.T) {
	store := NewMessageStore(NewMemory())

	totals, err := store.Totals("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if totals.Sent != 0 || totals.Relayed != 0 {
		t.Fatalf("Totals for unknown peer = %+v, want zeroes", totals)
	}
}

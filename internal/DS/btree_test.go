package DS

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/decentdb/decentdb/internal/PB"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
)

func newTestTx(t *testing.T, pageSize int) *WriteTx {
	t.Helper()
	pager, err := NewPager(PB.NewMemFile(), pageSize, 64, [16]byte{0xdd})
	if err != nil {
		t.Fatalf("NewPager: %v", err)
	}
	return pager.Begin(1, 0)
}

func testKey(i int) []byte     { return []byte(fmt.Sprintf("key%04d", i)) }
func testPayload(i int) []byte { return []byte(fmt.Sprintf("payload-%04d", i)) }

// buildTree inserts n keys in a scrambled but deterministic order, small
// pages force several levels of splits.
func buildTree(t *testing.T, tx *WriteTx, n int, unique bool) *BTree {
	t.Helper()
	bt, err := CreateBTree(tx, unique)
	if err != nil {
		t.Fatalf("CreateBTree: %v", err)
	}
	for i := 0; i < n; i++ {
		id := (i * 7919) % n
		if err := bt.Insert(tx, testKey(id), testPayload(id)); err != nil {
			t.Fatalf("Insert(%d): %v", id, err)
		}
	}
	return bt
}

func TestBTreeInsertSearch(t *testing.T) {
	tx := newTestTx(t, 512)
	bt := buildTree(t, tx, 1000, true)

	for i := 0; i < 1000; i++ {
		got, err := bt.Search(tx, testKey(i))
		if err != nil {
			t.Fatalf("Search(%d): %v", i, err)
		}
		if !bytes.Equal(got, testPayload(i)) {
			t.Fatalf("Search(%d) = %q, want %q", i, got, testPayload(i))
		}
	}
	got, err := bt.Search(tx, []byte("missing"))
	if err != nil {
		t.Fatalf("Search(missing): %v", err)
	}
	if got != nil {
		t.Fatalf("Search(missing) = %q, want nil", got)
	}
}

func TestBTreeRootStable(t *testing.T) {
	tx := newTestTx(t, 512)
	bt := buildTree(t, tx, 1000, true)
	if bt.Root() != 2 {
		t.Fatalf("root moved to page %d after splits", bt.Root())
	}
}

func TestBTreeCursorOrder(t *testing.T) {
	tx := newTestTx(t, 512)
	bt := buildTree(t, tx, 500, true)

	cur, err := bt.Seek(tx, nil)
	if err != nil {
		t.Fatalf("Seek(nil): %v", err)
	}
	var prev []byte
	count := 0
	for cur.Valid() {
		key, err := cur.Key()
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if prev != nil && bytes.Compare(prev, key) >= 0 {
			t.Fatalf("cursor out of order: %q before %q", prev, key)
		}
		prev = append(prev[:0], key...)
		count++
		if err := cur.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if count != 500 {
		t.Fatalf("cursor visited %d cells, want 500", count)
	}
}

func TestBTreeSeekLowerBound(t *testing.T) {
	tx := newTestTx(t, 512)
	bt := buildTree(t, tx, 100, true)

	// No "key0042x" exists; the cursor must land on the next key up.
	cur, err := bt.Seek(tx, []byte("key0042x"))
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if !cur.Valid() {
		t.Fatal("cursor invalid at lower bound")
	}
	key, err := cur.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if !bytes.Equal(key, testKey(43)) {
		t.Fatalf("lower bound = %q, want %q", key, testKey(43))
	}

	cur, err = bt.Seek(tx, []byte("zzz"))
	if err != nil {
		t.Fatalf("Seek(zzz): %v", err)
	}
	if cur.Valid() {
		t.Fatal("cursor past the last key should be invalid")
	}
}

func TestBTreeUniqueConstraint(t *testing.T) {
	tx := newTestTx(t, 512)
	bt := buildTree(t, tx, 10, true)

	err := bt.Insert(tx, testKey(5), []byte("other"))
	if !sferr.IsCode(err, sferr.DDB_CONSTRAINT) {
		t.Fatalf("duplicate insert = %v, want DDB_CONSTRAINT", err)
	}
}

func TestBTreeReplaceNonUnique(t *testing.T) {
	tx := newTestTx(t, 512)
	bt := buildTree(t, tx, 10, false)

	if err := bt.Insert(tx, testKey(5), []byte("updated")); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := bt.Search(tx, testKey(5))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !bytes.Equal(got, []byte("updated")) {
		t.Fatalf("Search after replace = %q", got)
	}

	// Replacement must not duplicate the key.
	cur, err := bt.Seek(tx, nil)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	count := 0
	for cur.Valid() {
		count++
		if err := cur.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if count != 10 {
		t.Fatalf("tree has %d cells after replace, want 10", count)
	}
}

func TestBTreeDelete(t *testing.T) {
	tx := newTestTx(t, 512)
	bt := buildTree(t, tx, 300, true)

	for i := 0; i < 300; i += 2 {
		found, err := bt.Delete(tx, testKey(i))
		if err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
		if !found {
			t.Fatalf("Delete(%d) did not find the key", i)
		}
	}
	found, err := bt.Delete(tx, []byte("missing"))
	if err != nil || found {
		t.Fatalf("Delete(missing) = %v, %v", found, err)
	}

	for i := 0; i < 300; i++ {
		got, err := bt.Search(tx, testKey(i))
		if err != nil {
			t.Fatalf("Search(%d): %v", i, err)
		}
		if i%2 == 0 && got != nil {
			t.Fatalf("deleted key %d still present", i)
		}
		if i%2 == 1 && got == nil {
			t.Fatalf("surviving key %d missing", i)
		}
	}

	// The cursor must skip over lazily emptied leaves.
	cur, err := bt.Seek(tx, nil)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	count := 0
	for cur.Valid() {
		count++
		if err := cur.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if count != 150 {
		t.Fatalf("cursor visited %d cells, want 150", count)
	}
}

func TestBTreeOverflowPayload(t *testing.T) {
	tx := newTestTx(t, 512)
	bt, err := CreateBTree(tx, true)
	if err != nil {
		t.Fatalf("CreateBTree: %v", err)
	}

	big := bytes.Repeat([]byte("abcdefgh"), 400) // 3200 bytes, several overflow pages
	if err := bt.Insert(tx, []byte("big"), big); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := bt.Search(tx, []byte("big"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("overflow payload mismatch: %d bytes, want %d", len(got), len(big))
	}

	if _, err := bt.Delete(tx, []byte("big")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if tx.header.FreelistPages == 0 {
		t.Fatal("deleting an overflowed payload freed no pages")
	}
}

func TestBTreeFreelistReuse(t *testing.T) {
	tx := newTestTx(t, 512)
	bt, err := CreateBTree(tx, true)
	if err != nil {
		t.Fatalf("CreateBTree: %v", err)
	}
	big := bytes.Repeat([]byte("x"), 2000)
	if err := bt.Insert(tx, []byte("big"), big); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := bt.Delete(tx, []byte("big")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	before := tx.header.PageCount
	if err := bt.Insert(tx, []byte("big2"), big); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if tx.header.PageCount != before {
		t.Fatalf("page count grew from %d to %d despite free pages", before, tx.header.PageCount)
	}
}

func TestBTreeKeyTooLong(t *testing.T) {
	tx := newTestTx(t, 512)
	bt, err := CreateBTree(tx, true)
	if err != nil {
		t.Fatalf("CreateBTree: %v", err)
	}
	long := bytes.Repeat([]byte("k"), 200)
	if err := bt.Insert(tx, long, []byte("v")); !sferr.IsCode(err, sferr.DDB_CONSTRAINT) {
		t.Fatalf("oversized key insert = %v, want DDB_CONSTRAINT", err)
	}
}

package DS

import (
	"bytes"
	"strings"

	"github.com/decentdb/decentdb/internal/SF/util"
)

// TrigramIndex accelerates LIKE/ILIKE substring predicates. Text is
// decomposed into overlapping 3-byte shingles; each shingle maps to a
// posting list of rowids, stored as B+Tree entries keyed shingle||rowid
// with an empty payload. Matching is over-inclusive: Candidates returns a
// superset of the true match set (never misses), and the executor applies
// the exact pattern afterwards.
type TrigramIndex struct {
	tree *BTree
}

const trigramLen = 3

func NewTrigramIndex(root uint32) *TrigramIndex {
	return &TrigramIndex{tree: NewBTree(root, true)}
}

func CreateTrigramIndex(tx *WriteTx) (*TrigramIndex, error) {
	tree, err := CreateBTree(tx, true)
	if err != nil {
		return nil, err
	}
	return &TrigramIndex{tree: tree}, nil
}

func (ti *TrigramIndex) Root() uint32 { return ti.tree.Root() }

// Shingles returns the distinct lowercased 3-byte shingles of text.
func Shingles(text string) [][]byte {
	lower := strings.ToLower(text)
	if len(lower) < trigramLen {
		return nil
	}
	seen := make(map[string]struct{})
	out := make([][]byte, 0, len(lower)-trigramLen+1)
	for i := 0; i+trigramLen <= len(lower); i++ {
		s := lower[i : i+trigramLen]
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, []byte(s))
	}
	return out
}

func trigramKey(shingle []byte, rowid int64) []byte {
	util.Assert(len(shingle) == trigramLen, "shingle must be %d bytes", trigramLen)
	key := make([]byte, 0, trigramLen+8)
	key = append(key, shingle...)
	key = append(key, EncodeRowidKey(rowid)...)
	return key
}

// Index adds rowid to the posting list of every shingle of text.
func (ti *TrigramIndex) Index(tx *WriteTx, rowid int64, text string) error {
	for _, shingle := range Shingles(text) {
		if err := ti.tree.Insert(tx, trigramKey(shingle, rowid), nil); err != nil {
			return err
		}
	}
	return nil
}

// Unindex removes rowid from every posting list of text's shingles.
func (ti *TrigramIndex) Unindex(tx *WriteTx, rowid int64, text string) error {
	for _, shingle := range Shingles(text) {
		if _, err := ti.tree.Delete(tx, trigramKey(shingle, rowid)); err != nil {
			return err
		}
	}
	return nil
}

// PatternShingles extracts shingles from the literal runs of a LIKE
// pattern (runs between % and _ wildcards). A pattern whose literal runs
// are all shorter than a shingle yields none.
func PatternShingles(pattern string) [][]byte {
	var runs []string
	var cur strings.Builder
	escaped := false
	for _, r := range pattern {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		if !escaped && (r == '%' || r == '_') {
			if cur.Len() > 0 {
				runs = append(runs, cur.String())
				cur.Reset()
			}
			continue
		}
		escaped = false
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		runs = append(runs, cur.String())
	}

	var out [][]byte
	seen := make(map[string]struct{})
	for _, run := range runs {
		for _, s := range Shingles(run) {
			if _, ok := seen[string(s)]; ok {
				continue
			}
			seen[string(s)] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// Candidates returns the rowid candidate set for pattern: the
// intersection of the posting lists of the pattern's shingles. all=true
// means the pattern constrains nothing (no usable shingle) and every row
// is a candidate; the caller must fall back to a scan.
func (ti *TrigramIndex) Candidates(src PageSource, pattern string) (map[int64]struct{}, bool, error) {
	shingles := PatternShingles(pattern)
	if len(shingles) == 0 {
		return nil, true, nil
	}

	var result map[int64]struct{}
	for _, shingle := range shingles {
		postings, err := ti.postingList(src, shingle)
		if err != nil {
			return nil, false, err
		}
		if result == nil {
			result = postings
			continue
		}
		for rowid := range result {
			if _, ok := postings[rowid]; !ok {
				delete(result, rowid)
			}
		}
		if len(result) == 0 {
			break
		}
	}
	return result, false, nil
}

func (ti *TrigramIndex) postingList(src PageSource, shingle []byte) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	cur, err := ti.tree.Seek(src, shingle)
	if err != nil {
		return nil, err
	}
	for cur.Valid() {
		key, err := cur.Key()
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(key, shingle) {
			break
		}
		out[DecodeRowidKey(key[trigramLen:])] = struct{}{}
		if err := cur.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

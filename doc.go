// Package memvid implements a portable AI memory engine backed by a single
// append-only file.
//
// A memory file (.mv2) holds immutable content frames together with the
// state needed to search them: a BM25 lexical index, an exact cosine vector
// index with a binary sketch pre-filter, and a commit-ordered temporal
// index. Indexes are derived from the frame log and rebuilt on open; the
// file itself is the only artifact that has to be moved, copied, or backed
// up.
//
// # Quick start
//
//	mv, err := memvid.Create("notes.mv2")
//	if err != nil {
//	    panic(err)
//	}
//	defer mv.Close()
//
//	mv.PutText("the quick brown fox", func(o *memvid.PutOptions) {
//	    o.Title = "fox"
//	    o.URI = "note://fox"
//	})
//	ids, err := mv.Commit()
//
//	resp, err := mv.Search(memvid.SearchRequest{Query: "fox"})
//
// Writes are staged with Put and become durable and visible only at
// Commit, which appends the frames plus a commit marker and fsyncs. A
// crash between Put and Commit loses only the staged frames; committed
// state is never affected.
//
// Integrity can be checked offline or next to a live handle:
//
//	report, err := memvid.Verify("notes.mv2", true)
package memvid

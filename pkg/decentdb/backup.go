package decentdb

import (
	"io"
	"os"

	"github.com/ulikunitz/xz"

	"github.com/decentdb/decentdb/internal/DS"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
)

// Backup streams an xz-compressed snapshot of the database to w. It
// runs under a read transaction, so writers keep committing while the
// backup is taken and the image is still point-in-time consistent. The
// output is a plain page stream; Restore turns it back into a database
// file.
func (db *DB) Backup(w io.Writer) error {
	reader := db.NewReader()
	defer reader.Close()
	src := db.coord.Reader(reader.snap)

	page1, release, err := src.Page(1)
	if err != nil {
		return err
	}
	header, err := DS.ParseHeader(page1.Data)
	release()
	if err != nil {
		return err
	}

	zw, err := xz.NewWriter(w)
	if err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "start backup stream")
	}
	for pageNo := uint32(1); pageNo <= header.PageCount; pageNo++ {
		page, release, err := src.Page(pageNo)
		if err != nil {
			zw.Close()
			return err
		}
		_, err = zw.Write(page.Data)
		release()
		if err != nil {
			zw.Close()
			return sferr.Wrap(sferr.DDB_IOERR, err, "write backup stream")
		}
	}
	if err := zw.Close(); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "finish backup stream")
	}
	return nil
}

// Restore writes a backup stream out as a database file at path. The
// target must not exist; a restored database opens like any other.
func Restore(path string, r io.Reader) error {
	zr, err := xz.NewReader(r)
	if err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "open backup stream")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "create restore target")
	}
	defer f.Close()

	// The first header's page size defines the stream's framing; the
	// magic check catches streams that are not backups at all.
	probe := make([]byte, DS.HeaderSize)
	if _, err := io.ReadFull(zr, probe); err != nil {
		return sferr.Wrap(sferr.DDB_CORRUPT, err, "read backup header")
	}
	if _, err := DS.ParseHeader(probe); err != nil {
		return err
	}
	if _, err := f.Write(probe); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "write restore target")
	}
	if _, err := io.Copy(f, zr); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "write restore target")
	}
	if err := f.Sync(); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "sync restore target")
	}
	return nil
}

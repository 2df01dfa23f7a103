package db

import (
	"errors"

	"github.com/jmoiron/sqlx"
)

// Pool splits reads and writes across two sqlx handles.
//
// SQLite in WAL mode allows many readers alongside a single writer, so the
// writer handle stays pinned to one connection (no SQLITE_BUSY under write
// contention) while the reader handle fans out across read-only connections
// that see consistent WAL snapshots.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool pairs a writer handle with a reader handle. The two may be the
// same *sqlx.DB.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the handle for statements and transactions that mutate.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles.
func (p *Pool) Close() error {
	if p.reader == p.writer {
		return p.writer.Close()
	}
	return errors.Join(p.writer.Close(), p.reader.Close())
}

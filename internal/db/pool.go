// Package db opens the coordinator's SQLite or PostgreSQL backend and
// splits it into writer and reader connection pools.
package db

import "github.com/jmoiron/sqlx"

// Pool separates the store's write path from its read path.
//
// The claim transaction, event appends and state transitions all go through
// Writer; listings, the recovery scan and stream snapshots go through
// Reader. On SQLite the writer is a single connection (WAL serializes
// writes anyway, and one connection avoids SQLITE_BUSY) while the reader
// holds several read-only connections that see consistent WAL snapshots. On
// PostgreSQL both sides are the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from writer and reader connections. Passing the
// same *sqlx.DB twice is fine.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connections for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connections for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, tolerating a shared underlying *sqlx.DB.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

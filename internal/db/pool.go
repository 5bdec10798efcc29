package db

import "github.com/jmoiron/sqlx"

// Pool pairs the single write connection with the read-only pool. With
// WAL mode, SELECTs run on reader snapshots without blocking the writer.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the connection used for INSERT, UPDATE, DELETE and
// transactions. Limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if rErr := p.reader.Close(); rErr != nil && wErr == nil {
		return rErr
	}
	return wErr
}

package ftdb

import (
	"github.com/alexhholmes/ftdb/internal/brt"
)

// Cursor provides ordered iteration over the rows a transaction sees.
//
// Each positioning method returns the key and value it lands on, or nil, nil
// when it runs off either end or the transaction has ended. In a duplicates
// database a key appears once per value, values in order. A cursor sees
// writes made after it was created once it reaches their keys.
type Cursor struct {
	tx *Tx // Transaction this cursor belongs to
	c  *brt.Cursor
}

// First positions cursor at the first key in the database
func (c *Cursor) First() ([]byte, []byte) {
	if c.tx.check() != nil {
		return nil, nil
	}
	return c.at(c.c.First())
}

// Last positions cursor at the last key in the database
// Returns nil, nil if database is empty
func (c *Cursor) Last() ([]byte, []byte) {
	if c.tx.check() != nil {
		return nil, nil
	}
	return c.at(c.c.Last())
}

// Seek positions cursor at the first key >= seek
func (c *Cursor) Seek(seek []byte) ([]byte, []byte) {
	if c.tx.check() != nil {
		return nil, nil
	}
	return c.at(c.c.Seek(seek))
}

// Next advances cursor to the next key
func (c *Cursor) Next() ([]byte, []byte) {
	if c.tx.check() != nil {
		return nil, nil
	}
	return c.at(c.c.Next())
}

// Prev moves cursor to the previous key
func (c *Cursor) Prev() ([]byte, []byte) {
	if c.tx.check() != nil {
		return nil, nil
	}
	return c.at(c.c.Prev())
}

// Key returns the current key (nil if invalid)
func (c *Cursor) Key() []byte {
	return c.c.Key()
}

// Value returns the current value (nil if invalid)
func (c *Cursor) Value() []byte {
	return c.c.Value()
}

// Valid reports whether the cursor is positioned on a key
func (c *Cursor) Valid() bool {
	return c.tx.check() == nil && c.c.Valid()
}

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error {
	if err := c.tx.check(); err != nil {
		return err
	}
	return c.c.Err()
}

func (c *Cursor) at(ok bool) ([]byte, []byte) {
	if !ok {
		return nil, nil
	}
	return c.c.Key(), c.c.Value()
}

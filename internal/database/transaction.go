package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/friendica/friendica-go/internal/dba"
)

// Transaction starts a transaction and returns the session bound to it.
// Called on a session that already runs a transaction, it returns that
// session.
func (d *Database) Transaction(ctx context.Context) (*Database, error) {
	if d.tx != nil {
		return d, nil
	}
	if !d.IsConnected() {
		return nil, ErrNotConnected
	}

	session := &Database{core: d.core, conn: d.conn, locked: d.locked}

	var err error
	if d.conn != nil {
		session.tx, err = d.conn.BeginTx(ctx, nil)
	} else {
		session.tx, err = d.handle().BeginTx(ctx, nil)
	}
	if err != nil {
		return nil, d.newError(err, "START TRANSACTION", nil)
	}
	return session, nil
}

// Commit commits the transaction of the session.
func (d *Database) Commit() error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Commit()
	d.tx = nil
	if err != nil {
		return d.newError(err, "COMMIT", nil)
	}
	return nil
}

// Rollback rolls the transaction of the session back.
func (d *Database) Rollback() error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Rollback()
	d.tx = nil
	if err != nil {
		return d.newError(err, "ROLLBACK", nil)
	}
	return nil
}

// InTransaction reports whether statements of the session are part of a
// transaction or a table lock.
func (d *Database) InTransaction() bool {
	return d.tx != nil || d.locked
}

// WithTransaction runs fn within a transaction. It commits when fn returns
// nil and rolls back otherwise.
func (d *Database) WithTransaction(ctx context.Context, fn func(tx *Database) error) error {
	tx, err := d.Transaction(ctx)
	if err != nil {
		return err
	}
	if tx == d {
		return fn(tx)
	}

	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return tx.Commit()
}

// Lock write-locks a table on a dedicated connection and returns the session
// bound to it. Autocommit is disabled until Unlock.
func (d *Database) Lock(ctx context.Context, table string) (*Database, error) {
	if d.pinned() {
		return nil, fmt.Errorf("lock %s: session already pinned", table)
	}
	if !d.IsConnected() {
		return nil, ErrNotConnected
	}

	conn, err := d.handle().Conn(ctx)
	if err != nil {
		return nil, d.newError(err, "LOCK TABLES", nil)
	}
	session := &Database{core: d.core, conn: conn}

	if _, err := session.Exec(ctx, "SET autocommit=0"); err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := session.Exec(ctx, "LOCK TABLES "+dba.BuildTableString(table)+" WRITE"); err != nil {
		if _, rerr := session.Exec(ctx, "SET autocommit=1"); rerr != nil {
			d.log.Warn("Resetting autocommit failed", "error", rerr)
		}
		conn.Close()
		return nil, err
	}

	session.locked = true
	return session, nil
}

// Unlock commits, releases the table locks and returns the connection to
// the pool.
func (d *Database) Unlock(ctx context.Context) error {
	if d.conn == nil || !d.locked {
		return ErrNotLocked
	}

	var errs []error
	if d.tx != nil {
		errs = append(errs, d.Commit())
	} else if _, err := d.Exec(ctx, "COMMIT"); err != nil {
		errs = append(errs, err)
	}

	if _, err := d.Exec(ctx, "UNLOCK TABLES"); err != nil {
		errs = append(errs, err)
	}
	if _, err := d.Exec(ctx, "SET autocommit=1"); err != nil {
		errs = append(errs, err)
	}

	d.locked = false
	errs = append(errs, d.conn.Close())
	d.conn = nil

	return errors.Join(errs...)
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTransactionCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO replica_rooms").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = WithTransaction(db, func(txn *sql.Tx) error {
		_, err := txn.Exec("INSERT INTO replica_rooms (room_id) VALUES ($1)", "!a:localhost")
		return err
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO replica_rooms").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO replica_events").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = WithTransaction(db, func(txn *sql.Tx) error {
		if _, err := txn.Exec("INSERT INTO replica_rooms (room_id) VALUES ($1)", "!a:localhost"); err != nil {
			return err
		}
		_, err := txn.Exec("INSERT INTO replica_events (event_id) VALUES ($1)", "$e")
		return err
	})
	assert.EqualError(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionReportsCommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("commit failed"))

	err = WithTransaction(db, func(txn *sql.Tx) error {
		return nil
	})
	assert.EqualError(t, err, "commit failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExclusiveWriterRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	w := NewExclusiveWriter()
	boom := errors.New("boom")
	assert.ErrorIs(t, w.Do(db, nil, func(txn *sql.Tx) error {
		return boom
	}), boom)
	assert.NoError(t, w.Do(db, nil, func(txn *sql.Tx) error {
		return nil
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryVariadic(t *testing.T) {
	assert.Equal(t, "($1)", QueryVariadic(1))
	assert.Equal(t, "($1, $2, $3)", QueryVariadic(3))
	assert.Equal(t, "($3, $4)", QueryVariadicOffset(2, 2))
}

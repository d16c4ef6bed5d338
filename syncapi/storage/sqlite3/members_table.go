// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/element-hq/clientsync/internal"
	"github.com/element-hq/clientsync/internal/sqlutil"
	"github.com/element-hq/clientsync/syncapi/storage/tables"
	"github.com/element-hq/clientsync/syncapi/types"
)

const membersSchema = `
-- The roster of every room.
CREATE TABLE IF NOT EXISTS replica_room_members (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	membership TEXT NOT NULL,
	-- JSON encoded member record
	member TEXT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

-- Pending third-party invites, keyed by token.
CREATE TABLE IF NOT EXISTS replica_third_party_invites (
	room_id TEXT NOT NULL,
	token TEXT NOT NULL,
	invite TEXT NOT NULL,
	PRIMARY KEY (room_id, token)
);
`

const selectMembersSQL = "" +
	"SELECT member FROM replica_room_members WHERE room_id = $1"

const upsertMemberSQL = "" +
	"INSERT INTO replica_room_members (room_id, user_id, membership, member)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (room_id, user_id) DO UPDATE SET membership = $3, member = $4"

const deleteMemberSQL = "" +
	"DELETE FROM replica_room_members WHERE room_id = $1 AND user_id = $2"

const purgeMembersSQL = "" +
	"DELETE FROM replica_room_members WHERE room_id = $1"

const selectThirdPartyInvitesSQL = "" +
	"SELECT invite FROM replica_third_party_invites WHERE room_id = $1"

const upsertThirdPartyInviteSQL = "" +
	"INSERT INTO replica_third_party_invites (room_id, token, invite)" +
	" VALUES ($1, $2, $3)" +
	" ON CONFLICT (room_id, token) DO UPDATE SET invite = $3"

const deleteThirdPartyInviteSQL = "" +
	"DELETE FROM replica_third_party_invites WHERE room_id = $1 AND token = $2"

const purgeThirdPartyInvitesSQL = "" +
	"DELETE FROM replica_third_party_invites WHERE room_id = $1"

type membersStatements struct {
	selectMembersStmt *sql.Stmt
	upsertMemberStmt  *sql.Stmt
	deleteMemberStmt  *sql.Stmt
	purgeMembersStmt  *sql.Stmt
}

type thirdPartyInvitesStatements struct {
	selectInvitesStmt *sql.Stmt
	upsertInviteStmt  *sql.Stmt
	deleteInviteStmt  *sql.Stmt
	purgeInvitesStmt  *sql.Stmt
}

func NewSqliteMembersTable(db *sql.DB) (tables.Members, tables.ThirdPartyInvites, error) {
	_, err := db.Exec(membersSchema)
	if err != nil {
		return nil, nil, err
	}
	m := &membersStatements{}
	i := &thirdPartyInvitesStatements{}
	return m, i, sqlutil.StatementList{
		{&m.selectMembersStmt, selectMembersSQL},
		{&m.upsertMemberStmt, upsertMemberSQL},
		{&m.deleteMemberStmt, deleteMemberSQL},
		{&m.purgeMembersStmt, purgeMembersSQL},
		{&i.selectInvitesStmt, selectThirdPartyInvitesSQL},
		{&i.upsertInviteStmt, upsertThirdPartyInviteSQL},
		{&i.deleteInviteStmt, deleteThirdPartyInviteSQL},
		{&i.purgeInvitesStmt, purgeThirdPartyInvitesSQL},
	}.Prepare(db)
}

func (s *membersStatements) SelectMembers(
	ctx context.Context, txn *sql.Tx, roomID string,
) (map[string]*types.MemberRecord, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectMembersStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMembers: rows.close() failed")
	members := make(map[string]*types.MemberRecord)
	for rows.Next() {
		var encoded string
		if err = rows.Scan(&encoded); err != nil {
			return nil, err
		}
		var member types.MemberRecord
		if err = json.Unmarshal([]byte(encoded), &member); err != nil {
			return nil, fmt.Errorf("json.Unmarshal: %w", err)
		}
		members[member.UserID] = &member
	}
	return members, rows.Err()
}

func (s *membersStatements) UpsertMember(
	ctx context.Context, txn *sql.Tx, roomID string, member *types.MemberRecord,
) error {
	encoded, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	_, err = sqlutil.TxStmt(txn, s.upsertMemberStmt).ExecContext(
		ctx, roomID, member.UserID, string(member.Membership), string(encoded),
	)
	return err
}

func (s *membersStatements) DeleteMember(
	ctx context.Context, txn *sql.Tx, roomID, userID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMemberStmt).ExecContext(ctx, roomID, userID)
	return err
}

func (s *membersStatements) PurgeMembers(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.purgeMembersStmt).ExecContext(ctx, roomID)
	return err
}

func (s *thirdPartyInvitesStatements) SelectThirdPartyInvites(
	ctx context.Context, txn *sql.Tx, roomID string,
) (map[string]*types.ThirdPartyInvite, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectInvitesStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectThirdPartyInvites: rows.close() failed")
	invites := make(map[string]*types.ThirdPartyInvite)
	for rows.Next() {
		var encoded string
		if err = rows.Scan(&encoded); err != nil {
			return nil, err
		}
		var invite types.ThirdPartyInvite
		if err = json.Unmarshal([]byte(encoded), &invite); err != nil {
			return nil, fmt.Errorf("json.Unmarshal: %w", err)
		}
		invites[invite.Token] = &invite
	}
	return invites, rows.Err()
}

func (s *thirdPartyInvitesStatements) UpsertThirdPartyInvite(
	ctx context.Context, txn *sql.Tx, roomID string, invite *types.ThirdPartyInvite,
) error {
	encoded, err := json.Marshal(invite)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	_, err = sqlutil.TxStmt(txn, s.upsertInviteStmt).ExecContext(ctx, roomID, invite.Token, string(encoded))
	return err
}

func (s *thirdPartyInvitesStatements) DeleteThirdPartyInvite(
	ctx context.Context, txn *sql.Tx, roomID, token string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteInviteStmt).ExecContext(ctx, roomID, token)
	return err
}

func (s *thirdPartyInvitesStatements) PurgeThirdPartyInvites(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.purgeInvitesStmt).ExecContext(ctx, roomID)
	return err
}

// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package cvr

import (
	"context"
	"database/sql"
)

// AcquireOwnership implements §4.K "Ownership": if another task holds a
// more recent lease (owner != self and grantedAt > lastConnectTime),
// return OwnershipError so the caller rehomes. Otherwise fire-and-forget
// a CAS that claims (or refreshes) the lease for self.
func (s *Store) AcquireOwnership(ctx context.Context, clientGroupID, self string, lastConnectTime int64) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner, granted_at FROM cvr_instances WHERE client_group_id = $1`, clientGroupID)
	var owner string
	var grantedAt int64
	switch err := row.Scan(&owner, &grantedAt); {
	case err == sql.ErrNoRows:
		return nil // brand new group: nothing to contend with yet.
	case err != nil:
		return Error.Wrap(err)
	}

	if owner != "" && owner != self && grantedAt > lastConnectTime {
		return OwnershipError.New("client group %s is owned by %q (grantedAt=%d > lastConnectTime=%d)", clientGroupID, owner, grantedAt, lastConnectTime)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE cvr_instances SET owner = $1, granted_at = $2
		WHERE client_group_id = $3 AND (granted_at IS NULL OR granted_at <= $4)`,
		self, lastConnectTime, clientGroupID, lastConnectTime)
	return Error.Wrap(err)
}

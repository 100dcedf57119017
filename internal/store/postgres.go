package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrPrivilegedUnavailable is returned by privileged-tier methods when
// no admin connection was configured. Callers degrade per operation.
var ErrPrivilegedUnavailable = errors.New("privileged database connection not configured")

// PostgresStore wraps the two credential tiers. db is the owner-scoped
// pool (row-level policy applies, caller identity via set_config);
// admin is the privileged pool and may be nil.
type PostgresStore struct {
	db    *sql.DB
	admin *sql.DB
}

func NewPostgresStore(db, admin *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, admin: admin}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// HasPrivileged reports whether the privileged tier is configured.
func (s *PostgresStore) HasPrivileged() bool {
	return s.admin != nil
}

// execAsCaller runs a single statement on the owner-scoped tier with
// the caller identity bound for this transaction, so row-level policy
// can evaluate ownership.
func (s *PostgresStore) execAsCaller(ctx context.Context, callerID, query string, args ...any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin scoped tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.caller_id', $1, true)`, callerID); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("bind caller: %w", err)
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("scoped rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit scoped tx: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, created_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.OwnerID, &item.Title, &item.CreatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.OwnerID, item.Title)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGrants(ctx context.Context, documentID string) ([]AccessGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, user_id, permission_level, granted_at, granted_by, updated_at
		FROM access_grants
		WHERE document_id=$1
		ORDER BY granted_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	items := make([]AccessGrant, 0)
	for rows.Next() {
		var item AccessGrant
		if err := rows.Scan(
			&item.DocumentID,
			&item.UserID,
			&item.PermissionLevel,
			&item.GrantedAt,
			&item.GrantedBy,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetGrant(ctx context.Context, documentID, userID string) (AccessGrant, error) {
	var item AccessGrant
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, user_id, permission_level, granted_at, granted_by, updated_at
		FROM access_grants
		WHERE document_id=$1 AND user_id=$2
	`, documentID, userID).Scan(
		&item.DocumentID,
		&item.UserID,
		&item.PermissionLevel,
		&item.GrantedAt,
		&item.GrantedBy,
		&item.UpdatedAt,
	)
	if err != nil {
		return AccessGrant{}, err
	}
	return item, nil
}

const upsertGrantSQL = `
	INSERT INTO access_grants (document_id, user_id, permission_level, granted_at, granted_by)
	VALUES ($1, $2, $3, COALESCE($4, NOW()), $5)
	ON CONFLICT (document_id, user_id)
	DO UPDATE SET permission_level=EXCLUDED.permission_level, updated_at=NOW()
`

// UpsertGrant writes a grant on the owner-scoped tier. Keyed on the
// (document_id, user_id) unique pair so repeated repair runs are
// idempotent.
func (s *PostgresStore) UpsertGrant(ctx context.Context, callerID string, grant AccessGrant) error {
	var grantedAt any
	if !grant.GrantedAt.IsZero() {
		grantedAt = grant.GrantedAt
	}
	_, err := s.execAsCaller(ctx, callerID, upsertGrantSQL,
		grant.DocumentID, grant.UserID, grant.PermissionLevel, grantedAt, grant.GrantedBy)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

// UpsertGrantPrivileged writes a grant bypassing row-level policy.
func (s *PostgresStore) UpsertGrantPrivileged(ctx context.Context, grant AccessGrant) error {
	if s.admin == nil {
		return ErrPrivilegedUnavailable
	}
	var grantedAt any
	if !grant.GrantedAt.IsZero() {
		grantedAt = grant.GrantedAt
	}
	_, err := s.admin.ExecContext(ctx, upsertGrantSQL,
		grant.DocumentID, grant.UserID, grant.PermissionLevel, grantedAt, grant.GrantedBy)
	if err != nil {
		return fmt.Errorf("upsert grant privileged: %w", err)
	}
	return nil
}

// UpdateGrantLevel changes a non-owner grant directly. The owner row is
// excluded in SQL so a bad caller can never alter it.
func (s *PostgresStore) UpdateGrantLevel(ctx context.Context, documentID, callerID, targetUserID, level string) (bool, error) {
	affected, err := s.execAsCaller(ctx, callerID, `
		UPDATE access_grants
		SET permission_level=$3, updated_at=NOW()
		WHERE document_id=$1 AND user_id=$2 AND permission_level <> 'owner'
	`, documentID, targetUserID, level)
	if err != nil {
		return false, fmt.Errorf("update grant level: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, documentID, callerID, targetUserID string) (bool, error) {
	affected, err := s.execAsCaller(ctx, callerID, `
		DELETE FROM access_grants
		WHERE document_id=$1 AND user_id=$2 AND permission_level <> 'owner'
	`, documentID, targetUserID)
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteGrantPrivileged(ctx context.Context, documentID, targetUserID string) (bool, error) {
	if s.admin == nil {
		return false, ErrPrivilegedUnavailable
	}
	result, err := s.admin.ExecContext(ctx, `
		DELETE FROM access_grants
		WHERE document_id=$1 AND user_id=$2 AND permission_level <> 'owner'
	`, documentID, targetUserID)
	if err != nil {
		return false, fmt.Errorf("delete grant privileged: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete grant privileged rows: %w", err)
	}
	return affected > 0, nil
}

// CallUpdatePermissionProc invokes the security-definer procedure that
// performs the owner check and level update atomically server-side.
func (s *PostgresStore) CallUpdatePermissionProc(ctx context.Context, documentID, callerID, targetUserID, level string) (bool, error) {
	var updated bool
	err := s.db.QueryRowContext(ctx,
		`SELECT update_permission($1, $2, $3, $4)`,
		documentID, callerID, targetUserID, level,
	).Scan(&updated)
	if err != nil {
		return false, err
	}
	return updated, nil
}

// CallRemoveCollaboratorProc invokes the security-definer procedure
// that performs the owner check and grant delete atomically.
func (s *PostgresStore) CallRemoveCollaboratorProc(ctx context.Context, documentID, callerID, targetUserID string) (bool, error) {
	var removed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT remove_collaborator($1, $2, $3)`,
		documentID, callerID, targetUserID,
	).Scan(&removed)
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (s *PostgresStore) CreateInvitation(ctx context.Context, callerID string, inv Invitation) error {
	_, err := s.execAsCaller(ctx, callerID, `
		INSERT INTO invitations (id, document_id, email, invited_by, permission_level, token_hash, status, expires_at, accepted_by, accepted_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8, $9, $10)
	`, inv.ID, inv.DocumentID, inv.Email, inv.InvitedBy, inv.PermissionLevel, inv.TokenHash, inv.Status, inv.ExpiresAt, inv.AcceptedBy, inv.AcceptedAt)
	return err
}

const invitationColumns = `id, document_id, email, invited_by, permission_level, token_hash, status, created_at, expires_at, accepted_by, accepted_at`

func scanInvitation(scan func(dest ...any) error) (Invitation, error) {
	var item Invitation
	err := scan(
		&item.ID,
		&item.DocumentID,
		&item.Email,
		&item.InvitedBy,
		&item.PermissionLevel,
		&item.TokenHash,
		&item.Status,
		&item.CreatedAt,
		&item.ExpiresAt,
		&item.AcceptedBy,
		&item.AcceptedAt,
	)
	return item, err
}

func (s *PostgresStore) GetInvitation(ctx context.Context, invitationID string) (Invitation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE id=$1
	`, invitationID)
	item, err := scanInvitation(row.Scan)
	if err != nil {
		return Invitation{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListInvitations(ctx context.Context, documentID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE document_id=$1
		ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	items := make([]Invitation, 0)
	for rows.Next() {
		item, err := scanInvitation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListPendingInvitations(ctx context.Context, documentID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE document_id=$1 AND status='pending'
		ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list pending invitations: %w", err)
	}
	defer rows.Close()

	items := make([]Invitation, 0)
	for rows.Next() {
		item, err := scanInvitation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pending invitation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending invitations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) PendingInvitationExists(ctx context.Context, documentID, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM invitations
			WHERE document_id=$1 AND email=LOWER($2) AND status='pending'
		)
	`, documentID, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending invitation: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) DeleteInvitation(ctx context.Context, callerID, invitationID string) (bool, error) {
	affected, err := s.execAsCaller(ctx, callerID, `DELETE FROM invitations WHERE id=$1`, invitationID)
	if err != nil {
		return false, fmt.Errorf("delete invitation: %w", err)
	}
	return affected > 0, nil
}

// RevokeInvitationsForUser transitions every live invitation tied to
// the removed collaborator into revoked, matching by acceptance first
// and by normalized email second. The status guard keeps the
// transition monotonic under concurrent writers.
func (s *PostgresStore) RevokeInvitationsForUser(ctx context.Context, callerID, documentID, userID, email string) (int64, error) {
	affected, err := s.execAsCaller(ctx, callerID, `
		UPDATE invitations
		SET status='revoked'
		WHERE document_id=$1
		  AND status IN ('pending', 'accepted')
		  AND (accepted_by=$2 OR email=LOWER($3))
	`, documentID, userID, email)
	if err != nil {
		return 0, fmt.Errorf("revoke invitations for user: %w", err)
	}
	return affected, nil
}

// ListUnreconciledAcceptances returns accepted invitations whose
// accepted_by has no access grant on the document yet.
func (s *PostgresStore) ListUnreconciledAcceptances(ctx context.Context, documentID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations i
		WHERE i.document_id=$1
		  AND i.status='accepted'
		  AND i.accepted_by IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM access_grants g
			WHERE g.document_id=i.document_id AND g.user_id=i.accepted_by
		  )
		ORDER BY i.accepted_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list unreconciled acceptances: %w", err)
	}
	defer rows.Close()

	items := make([]Invitation, 0)
	for rows.Next() {
		item, err := scanInvitation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan unreconciled acceptance: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unreconciled acceptances: %w", err)
	}
	return items, nil
}

// LatestAcceptedInvitation returns the most recent accepted invitation
// for a user on a document, or nil when none exists.
func (s *PostgresStore) LatestAcceptedInvitation(ctx context.Context, documentID, userID string) (*Invitation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE document_id=$1 AND accepted_by=$2 AND status='accepted'
		ORDER BY accepted_at DESC NULLS LAST, created_at DESC
		LIMIT 1
	`, documentID, userID)
	item, err := scanInvitation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest accepted invitation: %w", err)
	}
	return &item, nil
}

// GrantExistsForEmail reports whether a profile with the given email
// already holds a grant on the document.
func (s *PostgresStore) GrantExistsForEmail(ctx context.Context, documentID, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM access_grants g
			JOIN profiles p ON p.id = g.user_id
			WHERE g.document_id=$1 AND LOWER(p.email)=LOWER($2)
		)
	`, documentID, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check grant for email: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetProfiles(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	profiles := make(map[string]Profile, len(userIDs))
	if len(userIDs) == 0 {
		return profiles, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(email, ''), COALESCE(avatar_url, '')
		FROM profiles
		WHERE id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Profile
		if err := rows.Scan(&item.ID, &item.FirstName, &item.LastName, &item.Email, &item.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return profiles, nil
}

func (s *PostgresStore) GetProfileByEmail(ctx context.Context, email string) (Profile, error) {
	var item Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(email, ''), COALESCE(avatar_url, '')
		FROM profiles
		WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&item.ID, &item.FirstName, &item.LastName, &item.Email, &item.AvatarURL)
	if err != nil {
		return Profile{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertProfile(ctx context.Context, item Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, first_name, last_name, email, avatar_url)
		VALUES ($1, $2, $3, LOWER($4), $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.FirstName, item.LastName, item.Email, item.AvatarURL)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUndefinedFunction reports whether err means the named stored
// procedure is not deployed. Only this signature triggers the
// direct-table fallback; every other error class propagates.
func IsUndefinedFunction(err error, name string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42883" && strings.Contains(pgErr.Message, name)
	}
	msg := err.Error()
	return strings.Contains(msg, name) && strings.Contains(msg, "does not exist")
}

// IsPermissionDenied reports whether err is a row-level policy or
// privilege denial, the only class that warrants a privileged retry.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42501"
	}
	return strings.Contains(err.Error(), "permission denied")
}

// IsUniqueViolation reports whether err is a unique-constraint
// violation, used to map duplicate pending invitations to Conflict.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

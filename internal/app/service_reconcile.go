package app

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"labfolio/api/internal/permission"
	"labfolio/api/internal/store"
)

// Reconcile aligns the access-grant ledger with the invitation ledger
// for one document. It runs on every owner read and after mutating
// operations; every step is idempotent, so concurrent runs from
// overlapping requests are safe. Failures are logged, never returned:
// the read that triggered reconciliation reports best-known state.
func (s *Service) Reconcile(ctx context.Context, doc store.Document) {
	s.persistOwnerGrant(ctx, doc)
	s.repairAcceptedInvitations(ctx, doc)
}

// persistOwnerGrant writes the owner row that the access resolver
// otherwise synthesizes at read time.
func (s *Service) persistOwnerGrant(ctx context.Context, doc store.Document) {
	_, err := s.store.GetGrant(ctx, doc.ID, doc.OwnerID)
	if err == nil {
		return
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("owner grant lookup failed", zap.String("document_id", doc.ID), zap.Error(err))
		return
	}

	grant := store.AccessGrant{
		DocumentID:      doc.ID,
		UserID:          doc.OwnerID,
		PermissionLevel: string(permission.LevelOwner),
		GrantedAt:       doc.CreatedAt,
		GrantedBy:       doc.OwnerID,
	}
	if err := s.upsertGrant(ctx, doc.OwnerID, grant); err != nil {
		s.logger.Warn("owner grant persistence failed", zap.String("document_id", doc.ID), zap.Error(err))
	}
}

// repairAcceptedInvitations is the forward-repair pass: every accepted
// invitation whose accepter has no grant row gets one, keyed on the
// (document_id, user_id) unique pair so double repair is a no-op.
func (s *Service) repairAcceptedInvitations(ctx context.Context, doc store.Document) {
	invitations, err := s.store.ListUnreconciledAcceptances(ctx, doc.ID)
	if err != nil {
		s.logger.Warn("unreconciled acceptance scan failed", zap.String("document_id", doc.ID), zap.Error(err))
		return
	}

	for _, inv := range invitations {
		if inv.AcceptedBy == nil || *inv.AcceptedBy == "" || *inv.AcceptedBy == doc.OwnerID {
			continue
		}
		grant := store.AccessGrant{
			DocumentID:      doc.ID,
			UserID:          *inv.AcceptedBy,
			PermissionLevel: inv.PermissionLevel,
			GrantedBy:       inv.InvitedBy,
		}
		if inv.AcceptedAt != nil {
			grant.GrantedAt = *inv.AcceptedAt
		}
		if err := s.upsertGrant(ctx, doc.OwnerID, grant); err != nil {
			s.logger.Warn("grant repair failed",
				zap.String("document_id", doc.ID),
				zap.String("invitation_id", inv.ID),
				zap.String("user_id", *inv.AcceptedBy),
				zap.Error(err))
			continue
		}
		s.logger.Info("repaired access grant from accepted invitation",
			zap.String("document_id", doc.ID),
			zap.String("invitation_id", inv.ID),
			zap.String("user_id", *inv.AcceptedBy))
	}
}

// revokeInvitationsFor is the backward-revoke pass, run immediately
// after a grant deletion so a concurrent forward repair cannot
// resurrect removed access. Matches by accepter id first and then by
// normalized email.
func (s *Service) revokeInvitationsFor(ctx context.Context, callerID, documentID, userID string) int64 {
	email := ""
	if profiles, err := s.store.GetProfiles(ctx, []string{userID}); err == nil {
		if profile, ok := profiles[userID]; ok {
			email = profile.Email
		}
	} else {
		s.logger.Warn("profile lookup for invitation revoke failed", zap.String("user_id", userID), zap.Error(err))
	}

	revoked, err := s.store.RevokeInvitationsForUser(ctx, callerID, documentID, userID, email)
	if err != nil {
		s.logger.Warn("invitation revoke failed",
			zap.String("document_id", documentID),
			zap.String("user_id", userID),
			zap.Error(err))
		return 0
	}
	if revoked > 0 {
		s.logger.Info("revoked invitations after removal",
			zap.String("document_id", documentID),
			zap.String("user_id", userID),
			zap.Int64("count", revoked))
	}
	return revoked
}

// upsertGrant prefers the privileged pool: repairs act on rows the
// owner-scoped policy may not reach yet.
func (s *Service) upsertGrant(ctx context.Context, ownerID string, grant store.AccessGrant) error {
	if s.store.HasPrivileged() {
		return s.store.UpsertGrantPrivileged(ctx, grant)
	}
	return s.store.UpsertGrant(ctx, ownerID, grant)
}

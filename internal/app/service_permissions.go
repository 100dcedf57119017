package app

import (
	"context"

	"go.uber.org/zap"

	"labfolio/api/internal/permission"
	"labfolio/api/internal/store"
)

// Grant mutations try an ordered list of strategies: the privileged
// stored procedure first, then the direct-table path. Each strategy
// reports a tagged outcome; the dispatcher stops at the first
// non-retryable one. Only "procedure not deployed" counts as
// retryable, every other error propagates.
type strategyOutcome int

const (
	outcomeApplied strategyOutcome = iota
	outcomeMissing
	outcomeNextStrategy
	outcomeFailed
)

type grantStrategy struct {
	name string
	run  func(ctx context.Context) (strategyOutcome, error)
}

func (s *Service) dispatch(ctx context.Context, documentID string, strategies []grantStrategy) (strategyOutcome, error) {
	for _, strategy := range strategies {
		outcome, err := strategy.run(ctx)
		if outcome == outcomeNextStrategy {
			s.logger.Warn("grant mutation strategy unavailable",
				zap.String("document_id", documentID),
				zap.String("strategy", strategy.name),
				zap.Error(err))
			continue
		}
		return outcome, err
	}
	return outcomeMissing, nil
}

// SetPermission changes a non-owner collaborator's level.
func (s *Service) SetPermission(ctx context.Context, documentID string, caller Session, targetUserID, level string) (map[string]any, error) {
	doc, err := s.ownedDocument(ctx, documentID, caller.UserID)
	if err != nil {
		return nil, err
	}
	if !permission.Assignable(level) {
		return nil, errInvalid("permissionLevel must be editor or viewer")
	}
	if targetUserID == "" {
		return nil, errInvalid("userId is required")
	}
	if targetUserID == doc.OwnerID {
		return nil, errInvalid("The owner's permission level cannot be changed")
	}

	strategies := []grantStrategy{
		{
			name: "update_permission procedure",
			run: func(ctx context.Context) (strategyOutcome, error) {
				ok, err := s.store.CallUpdatePermissionProc(ctx, documentID, caller.UserID, targetUserID, level)
				if err != nil {
					if store.IsUndefinedFunction(err, "update_permission") {
						return outcomeNextStrategy, err
					}
					return outcomeFailed, err
				}
				if !ok {
					return outcomeMissing, nil
				}
				return outcomeApplied, nil
			},
		},
		{
			name: "direct update",
			run: func(ctx context.Context) (strategyOutcome, error) {
				updated, err := s.store.UpdateGrantLevel(ctx, documentID, caller.UserID, targetUserID, level)
				if err != nil {
					if store.IsPermissionDenied(err) && s.store.HasPrivileged() {
						return s.repairGrantLevel(ctx, doc, targetUserID, level)
					}
					return outcomeFailed, err
				}
				if !updated {
					return s.repairGrantLevel(ctx, doc, targetUserID, level)
				}
				return outcomeApplied, nil
			},
		},
	}

	outcome, err := s.dispatch(ctx, documentID, strategies)
	if err != nil {
		return nil, err
	}
	if outcome != outcomeApplied {
		return nil, errNotFound("Collaborator not found")
	}
	return map[string]any{"success": true}, nil
}

// repairGrantLevel handles acceptances that never produced a grant
// row: the most recent accepted invitation for the target wins and is
// upserted at the requested level.
func (s *Service) repairGrantLevel(ctx context.Context, doc store.Document, targetUserID, level string) (strategyOutcome, error) {
	inv, err := s.store.LatestAcceptedInvitation(ctx, doc.ID, targetUserID)
	if err != nil {
		return outcomeFailed, err
	}
	if inv == nil {
		return outcomeMissing, nil
	}

	grant := store.AccessGrant{
		DocumentID:      doc.ID,
		UserID:          targetUserID,
		PermissionLevel: level,
		GrantedBy:       inv.InvitedBy,
	}
	if inv.AcceptedAt != nil {
		grant.GrantedAt = *inv.AcceptedAt
	}
	if err := s.upsertGrant(ctx, doc.OwnerID, grant); err != nil {
		return outcomeFailed, err
	}
	s.logger.Info("repaired access grant during permission update",
		zap.String("document_id", doc.ID),
		zap.String("user_id", targetUserID),
		zap.String("invitation_id", inv.ID))
	return outcomeApplied, nil
}

// RemoveCollaborator deletes a non-owner grant and then revokes the
// invitations that produced it, in that order, so a racing repair
// cannot bring the access back.
func (s *Service) RemoveCollaborator(ctx context.Context, documentID string, caller Session, targetUserID string) (map[string]any, error) {
	doc, err := s.ownedDocument(ctx, documentID, caller.UserID)
	if err != nil {
		return nil, err
	}
	if targetUserID == "" {
		return nil, errInvalid("userId is required")
	}
	if targetUserID == doc.OwnerID {
		return nil, errInvalid("The owner cannot be removed")
	}

	strategies := []grantStrategy{
		{
			name: "remove_collaborator procedure",
			run: func(ctx context.Context) (strategyOutcome, error) {
				ok, err := s.store.CallRemoveCollaboratorProc(ctx, documentID, caller.UserID, targetUserID)
				if err != nil {
					if store.IsUndefinedFunction(err, "remove_collaborator") {
						return outcomeNextStrategy, err
					}
					return outcomeFailed, err
				}
				if !ok {
					return outcomeMissing, nil
				}
				return outcomeApplied, nil
			},
		},
		{
			name: "direct delete",
			run: func(ctx context.Context) (strategyOutcome, error) {
				deleted, err := s.store.DeleteGrant(ctx, documentID, caller.UserID, targetUserID)
				if err != nil {
					if !store.IsPermissionDenied(err) || !s.store.HasPrivileged() {
						return outcomeFailed, err
					}
					deleted, err = s.store.DeleteGrantPrivileged(ctx, documentID, targetUserID)
					if err != nil {
						return outcomeFailed, err
					}
				}
				if !deleted {
					return outcomeMissing, nil
				}
				return outcomeApplied, nil
			},
		},
	}

	outcome, err := s.dispatch(ctx, documentID, strategies)
	if err != nil {
		return nil, err
	}

	// Revoke in the same logical operation, whatever path deleted the
	// grant. A missing grant with live invitations still counts as a
	// removal: the invitation was the only thing granting access.
	revoked := s.revokeInvitationsFor(ctx, caller.UserID, documentID, targetUserID)

	if outcome != outcomeApplied {
		if revoked > 0 {
			return map[string]any{"success": true}, nil
		}
		return nil, errNotFound("Collaborator not found")
	}
	return map[string]any{"success": true}, nil
}

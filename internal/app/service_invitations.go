package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"labfolio/api/internal/auth"
	"labfolio/api/internal/email"
	"labfolio/api/internal/identity"
	"labfolio/api/internal/permission"
	"labfolio/api/internal/store"
	"labfolio/api/internal/util"
)

// CreateInvitation records a pending invitation and then attempts,
// best-effort, to deliver it. Delivery failure never rolls the
// invitation back; the response carries emailSent and emailError so
// the owner can retry out of band.
func (s *Service) CreateInvitation(ctx context.Context, documentID string, caller Session, rawEmail, level string) (map[string]any, error) {
	doc, err := s.ownedDocument(ctx, documentID, caller.UserID)
	if err != nil {
		return nil, err
	}

	if !permission.Assignable(level) {
		return nil, errInvalid("permissionLevel must be editor or viewer")
	}
	inviteEmail := normalizeEmail(rawEmail)
	if inviteEmail == "" || !strings.Contains(inviteEmail, "@") {
		return nil, errInvalid("A valid email address is required")
	}
	if inviteEmail == caller.Email && caller.Email != "" {
		return nil, errInvalid("You cannot invite yourself")
	}
	// The session email claim is optional, so the self-invite check
	// also runs against the owner's stored profile.
	profile, err := s.store.GetProfileByEmail(ctx, inviteEmail)
	switch {
	case err == nil && profile.ID == doc.OwnerID:
		return nil, errInvalid("You cannot invite yourself")
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	pending, err := s.store.PendingInvitationExists(ctx, documentID, inviteEmail)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, errConflict("A pending invitation for this email already exists")
	}
	hasGrant, err := s.store.GrantExistsForEmail(ctx, documentID, inviteEmail)
	if err != nil {
		return nil, err
	}
	if hasGrant {
		return nil, errConflict("This user already has access to the document")
	}

	now := s.now().UTC()
	token := util.NewInviteToken()
	inv := store.Invitation{
		ID:              util.NewID("inv"),
		DocumentID:      documentID,
		Email:           inviteEmail,
		InvitedBy:       caller.UserID,
		PermissionLevel: level,
		TokenHash:       auth.HashToken(token),
		Status:          store.InviteStatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.inviteTTL()),
	}
	if err := s.store.CreateInvitation(ctx, caller.UserID, inv); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, errConflict("A pending invitation for this email already exists")
		}
		return nil, err
	}

	sent, deliveryErr := s.deliverInvitation(ctx, doc, inv, token, caller)

	response := map[string]any{
		"invitation": invitationView(inv, now),
		"emailSent":  sent,
	}
	if deliveryErr != "" {
		response["emailError"] = deliveryErr
	}
	return response, nil
}

// deliverInvitation pushes the invite through the identity provider
// when the privileged tier is configured, falling back to direct SMTP.
// The raw token only ever travels through this path.
func (s *Service) deliverInvitation(ctx context.Context, doc store.Document, inv store.Invitation, token string, caller Session) (bool, string) {
	metadata := map[string]any{
		"invitation_id":    inv.ID,
		"document_id":      doc.ID,
		"document_title":   doc.Title,
		"permission_level": inv.PermissionLevel,
		"invited_by":       caller.UserID,
	}

	if s.provider != nil && s.provider.Configured() {
		account, err := s.provider.GetUserByEmail(ctx, inv.Email)
		switch {
		case err == nil:
			err = s.provider.UpdateUserMetadata(ctx, account.ID, metadata)
			if err == nil && s.directory != nil {
				s.directory.Invalidate(ctx, account.ID)
			}
		case errors.Is(err, identity.ErrAccountNotFound):
			_, err = s.provider.InviteByEmail(ctx, inv.Email, metadata)
		}
		if err == nil {
			return true, ""
		}
		s.logger.Warn("provider invite delivery failed",
			zap.String("invitation_id", inv.ID),
			zap.Error(err))
		if s.mail == nil || !s.mail.IsConfigured() {
			return false, fmt.Sprintf("identity provider delivery failed: %v", err)
		}
	}

	if s.mail != nil && s.mail.IsConfigured() {
		err := s.mail.SendInvitationEmail(inv.Email, email.InvitationData{
			InviterName:     caller.UserName,
			DocumentTitle:   doc.Title,
			PermissionLevel: inv.PermissionLevel,
			AcceptURL:       s.acceptURL(token),
			ExpiresInDays:   int(s.inviteTTL().Hours() / 24),
		})
		if err != nil {
			s.logger.Warn("smtp invite delivery failed",
				zap.String("invitation_id", inv.ID),
				zap.Error(err))
			return false, fmt.Sprintf("email delivery failed: %v", err)
		}
		return true, ""
	}

	return false, "email delivery is not configured"
}

func (s *Service) acceptURL(token string) string {
	base := strings.TrimRight(s.cfg.AppBaseURL, "/")
	if base == "" {
		base = "http://localhost:3000"
	}
	return base + "/invitations/accept?token=" + url.QueryEscape(token)
}

// ListInvitations returns every invitation for the document regardless
// of status, newest first. Owner only.
func (s *Service) ListInvitations(ctx context.Context, documentID string, caller Session) (map[string]any, error) {
	if _, err := s.ownedDocument(ctx, documentID, caller.UserID); err != nil {
		return nil, err
	}

	invitations, err := s.store.ListInvitations(ctx, documentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	views := make([]map[string]any, 0, len(invitations))
	for _, inv := range invitations {
		views = append(views, invitationView(inv, now))
	}
	return map[string]any{"invitations": views}, nil
}

// RevokeInvitation hard-deletes an invitation by id. The owner of the
// invitation's document is the only caller allowed to do this.
func (s *Service) RevokeInvitation(ctx context.Context, invitationID string, caller Session) (map[string]any, error) {
	inv, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Invitation not found")
		}
		return nil, err
	}
	if _, err := s.ownedDocument(ctx, inv.DocumentID, caller.UserID); err != nil {
		return nil, err
	}

	deleted, err := s.store.DeleteInvitation(ctx, caller.UserID, invitationID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, errNotFound("Invitation not found")
	}
	return map[string]any{"success": true}, nil
}

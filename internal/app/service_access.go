package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"labfolio/api/internal/permission"
	"labfolio/api/internal/store"
)

// GetCollaborators builds the collaborator view for a document: every
// access grant with a resolved display profile, plus pending
// invitations when the caller is the owner. The owner always appears
// exactly once even when no grant row was ever written.
func (s *Service) GetCollaborators(ctx context.Context, documentID string, caller Session) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Document not found")
		}
		return nil, err
	}

	isOwner := doc.OwnerID == caller.UserID
	if isOwner {
		// Repair failures degrade the view, they never fail the read.
		s.Reconcile(ctx, doc)
	}

	grants, err := s.store.ListGrants(ctx, documentID)
	if err != nil {
		return nil, err
	}
	grants = withOwnerGrant(doc, grants, s.now())

	if !isOwner && !holdsGrant(grants, caller.UserID) {
		return nil, errNotFound("Document not found")
	}

	userIDs := make([]string, 0, len(grants))
	for _, grant := range grants {
		userIDs = append(userIDs, grant.UserID)
	}
	profiles := s.resolveProfiles(ctx, userIDs)

	collaborators := make([]map[string]any, 0, len(grants))
	for _, grant := range grants {
		profile := profiles[grant.UserID]
		if profile == nil && grant.UserID == caller.UserID {
			profile = selfProfile(caller)
		}
		collaborators = append(collaborators, collaboratorView(grant, profile))
	}

	response := map[string]any{
		"collaborators":      collaborators,
		"pendingInvitations": []map[string]any{},
		"isOwner":            isOwner,
	}

	if isOwner {
		pending, err := s.store.ListPendingInvitations(ctx, documentID)
		if err != nil {
			return nil, err
		}
		views := make([]map[string]any, 0, len(pending))
		for _, inv := range pending {
			views = append(views, invitationView(inv, s.now()))
		}
		response["pendingInvitations"] = views
	}

	return response, nil
}

// withOwnerGrant guarantees the owner row, synthesizing one for
// documents created before grants existed, and orders owner first.
func withOwnerGrant(doc store.Document, grants []store.AccessGrant, now time.Time) []store.AccessGrant {
	hasOwner := false
	for _, grant := range grants {
		if grant.UserID == doc.OwnerID {
			hasOwner = true
			break
		}
	}
	if !hasOwner {
		grantedAt := doc.CreatedAt
		if grantedAt.IsZero() {
			grantedAt = now.UTC()
		}
		grants = append(grants, store.AccessGrant{
			DocumentID:      doc.ID,
			UserID:          doc.OwnerID,
			PermissionLevel: string(permission.LevelOwner),
			GrantedAt:       grantedAt,
			GrantedBy:       doc.OwnerID,
			UpdatedAt:       grantedAt,
		})
	}

	sort.SliceStable(grants, func(i, j int) bool {
		if (grants[i].UserID == doc.OwnerID) != (grants[j].UserID == doc.OwnerID) {
			return grants[i].UserID == doc.OwnerID
		}
		return grants[i].GrantedAt.Before(grants[j].GrantedAt)
	})
	return grants
}

func holdsGrant(grants []store.AccessGrant, userID string) bool {
	for _, grant := range grants {
		if grant.UserID == userID {
			return true
		}
	}
	return false
}

func (s *Service) resolveProfiles(ctx context.Context, userIDs []string) map[string]*store.Profile {
	if s.directory == nil {
		return map[string]*store.Profile{}
	}
	profiles, err := s.directory.ResolveProfiles(ctx, userIDs)
	if err != nil {
		s.logger.Warn("profile resolution failed", zap.Error(err))
		return map[string]*store.Profile{}
	}
	return profiles
}

// selfProfile is the last-resort fallback so the acting user is never
// rendered blank in their own collaborator list.
func selfProfile(caller Session) *store.Profile {
	first, last := splitDisplayName(caller.UserName)
	return &store.Profile{
		ID:        caller.UserID,
		FirstName: first,
		LastName:  last,
		Email:     caller.Email,
	}
}

func splitDisplayName(name string) (string, string) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) == 1 {
		return fields[0], ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

func collaboratorView(grant store.AccessGrant, profile *store.Profile) map[string]any {
	view := map[string]any{
		"userId":          grant.UserID,
		"permissionLevel": grant.PermissionLevel,
		"grantedAt":       grant.GrantedAt,
		"grantedBy":       grant.GrantedBy,
		"profile":         nil,
	}
	if profile != nil {
		view["profile"] = map[string]any{
			"firstName": profile.FirstName,
			"lastName":  profile.LastName,
			"email":     profile.Email,
			"avatarUrl": profile.AvatarURL,
		}
	}
	return view
}

func invitationView(inv store.Invitation, now time.Time) map[string]any {
	view := map[string]any{
		"id":              inv.ID,
		"documentId":      inv.DocumentID,
		"email":           inv.Email,
		"invitedBy":       inv.InvitedBy,
		"permissionLevel": inv.PermissionLevel,
		"status":          inv.Status,
		"createdAt":       inv.CreatedAt,
		"expiresAt":       inv.ExpiresAt,
		"expired":         inv.Status == store.InviteStatusPending && inv.IsExpired(now),
	}
	if inv.AcceptedBy != nil {
		view["acceptedBy"] = *inv.AcceptedBy
	}
	if inv.AcceptedAt != nil {
		view["acceptedAt"] = *inv.AcceptedAt
	}
	return view
}

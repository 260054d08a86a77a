package database

import (
	"context"
	"testing"
	"time"

	"github.com/callbridge/callbridge/internal/database/models"
)

func TestInviteRoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewInviteRepository(db)
	ctx := context.Background()

	inv := &models.InviteLink{
		Token:           "tok-1",
		CreatorUserID:   7,
		CreatorEndpoint: "ep-creator",
		Status:          models.InviteActive,
	}
	if err := repo.Create(ctx, inv); err != nil {
		t.Fatalf("creating invite: %v", err)
	}

	got, err := repo.GetByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("fetching invite: %v", err)
	}
	if got == nil || got.CreatorUserID != 7 || got.Status != models.InviteActive {
		t.Fatalf("fetched invite = %+v", got)
	}

	if err := repo.SetJoiner(ctx, "tok-1", 9, "ep-joiner"); err != nil {
		t.Fatalf("setting joiner: %v", err)
	}
	got, err = repo.GetByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("re-fetching invite: %v", err)
	}
	if got.JoinerUserID == nil || *got.JoinerUserID != 9 || got.JoinerEndpoint != "ep-joiner" {
		t.Errorf("joiner not recorded: %+v", got)
	}
	if !got.ReadyToCall() {
		t.Error("invite with both endpoints not ready to call")
	}
}

func TestGetActiveByCreatorSkipsInactive(t *testing.T) {
	db := newTestDB(t)
	repo := NewInviteRepository(db)
	ctx := context.Background()

	cancelled := &models.InviteLink{Token: "tok-cancelled", CreatorUserID: 5, Status: models.InviteCancelled}
	if err := repo.Create(ctx, cancelled); err != nil {
		t.Fatalf("creating cancelled invite: %v", err)
	}

	got, err := repo.GetActiveByCreator(ctx, 5)
	if err != nil {
		t.Fatalf("querying active invite: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for creator with no active invite", got)
	}

	active := &models.InviteLink{Token: "tok-active", CreatorUserID: 5, Status: models.InviteActive}
	if err := repo.Create(ctx, active); err != nil {
		t.Fatalf("creating active invite: %v", err)
	}

	got, err = repo.GetActiveByCreator(ctx, 5)
	if err != nil {
		t.Fatalf("querying active invite: %v", err)
	}
	if got == nil || got.Token != "tok-active" {
		t.Errorf("got %+v, want tok-active", got)
	}
}

func TestExpireOverdue(t *testing.T) {
	db := newTestDB(t)
	repo := NewInviteRepository(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	overdue := &models.InviteLink{Token: "tok-old", CreatorUserID: 1, Status: models.InviteActive, ExpiresAt: &past}
	if err := repo.Create(ctx, overdue); err != nil {
		t.Fatalf("creating overdue invite: %v", err)
	}

	future := time.Now().Add(time.Hour)
	fresh := &models.InviteLink{Token: "tok-fresh", CreatorUserID: 2, Status: models.InviteActive, ExpiresAt: &future}
	if err := repo.Create(ctx, fresh); err != nil {
		t.Fatalf("creating fresh invite: %v", err)
	}

	n, err := repo.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("expiring overdue invites: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d invites, want 1", n)
	}

	got, err := repo.GetByToken(ctx, "tok-old")
	if err != nil {
		t.Fatalf("fetching expired invite: %v", err)
	}
	if got.Status != models.InviteExpired {
		t.Errorf("overdue invite status = %q, want expired", got.Status)
	}

	got, err = repo.GetByToken(ctx, "tok-fresh")
	if err != nil {
		t.Fatalf("fetching fresh invite: %v", err)
	}
	if got.Status != models.InviteActive {
		t.Errorf("fresh invite status = %q, want active", got.Status)
	}
}

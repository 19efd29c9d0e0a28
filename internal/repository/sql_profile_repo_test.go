package repository

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/ryoa/internal/model"
)

func TestSQLProfileRepo_UpsertAndFind(t *testing.T) {
	db, dialect := setupTestDB(t)
	users := NewSQLUserRepo(db, dialect)
	repo := NewSQLProfileRepo(db, dialect)
	ctx := context.Background()

	if err := users.Create(ctx, newTestUser("user-1", "alice@example.com")); err != nil {
		t.Fatalf("Create user failed: %v", err)
	}

	got, err := repo.FindByUserID(ctx, "user-1")
	if err != nil {
		t.Fatalf("FindByUserID failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil before upsert, got %+v", got)
	}

	created := time.Now().UTC().Truncate(time.Second)
	profile := &model.UserProfile{
		ID:        "profile-1",
		UserID:    "user-1",
		FullName:  "Alice Example",
		Bio:       "hello",
		AvatarURL: "https://avatars.example.com/a.png",
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := repo.Upsert(ctx, profile); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// 2回目は同じuser_idの行を置き換え、idとcreated_atは保持する
	updated := created.Add(time.Hour)
	if err := repo.Upsert(ctx, &model.UserProfile{
		ID:        "profile-2",
		UserID:    "user-1",
		FullName:  "Alice",
		Bio:       "",
		AvatarURL: "",
		CreatedAt: updated,
		UpdatedAt: updated,
	}); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	got, err = repo.FindByUserID(ctx, "user-1")
	if err != nil {
		t.Fatalf("FindByUserID failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected profile, got nil")
	}
	if got.ID != "profile-1" {
		t.Errorf("ID = %q, want profile-1", got.ID)
	}
	if got.FullName != "Alice" || got.Bio != "" || got.AvatarURL != "" {
		t.Errorf("unexpected profile: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if !got.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, updated)
	}
}

func TestSQLProfileRepo_UnknownUserRejected(t *testing.T) {
	db, dialect := setupTestDB(t)
	repo := NewSQLProfileRepo(db, dialect)

	now := time.Now().UTC()
	err := repo.Upsert(context.Background(), &model.UserProfile{
		ID: "profile-1", UserID: "missing", CreatedAt: now, UpdatedAt: now,
	})
	if err == nil {
		t.Error("expected foreign key violation for unknown user")
	}
}

func TestSQLUserRepo_List(t *testing.T) {
	db, dialect := setupTestDB(t)
	repo := NewSQLUserRepo(db, dialect)
	ctx := context.Background()

	empty, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("List = %d users, want 0", len(empty))
	}

	first := newTestUser("user-b", "bob@example.com")
	second := newTestUser("user-a", "admin@example.com")
	second.Role = model.RoleAdmin
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	for _, u := range []*model.User{second, first} {
		if err := repo.Create(ctx, u); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List = %d users, want 2", len(got))
	}
	if got[0].ID != "user-b" || got[1].ID != "user-a" {
		t.Errorf("order = [%s %s], want [user-b user-a]", got[0].ID, got[1].ID)
	}
	if got[1].Role != model.RoleAdmin {
		t.Errorf("Role = %q, want admin", got[1].Role)
	}
}

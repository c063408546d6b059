package users

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveCanonicalUserIDStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)
	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	userID, err := service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	// second call should hit cache and not create a duplicate record.
	userID, err = service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}
	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one identity, got %d", count)
	}
}

func TestResolveCanonicalUserIDRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestLookupReturnsStoredAndFallbackProfiles(t *testing.T) {
	service, db := newTestService(t)
	if err := db.Create(&Identity{
		Provider:    "default",
		Subject:     "bob",
		UserID:      "bob",
		DisplayName: "Bob Builder",
		AvatarURL:   "https://example.com/bob.png",
	}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{UserID: "alice", UserDisplayName: "Alice"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	profiles, err := service.Lookup(context.Background(), []string{"alice", "bob", "ghost", "bob"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("expected three profiles, got %d", len(profiles))
	}
	if profiles["alice"].DisplayName != "Alice" {
		t.Fatalf("unexpected alice profile %#v", profiles["alice"])
	}
	if profiles["bob"].DisplayName != "Bob Builder" || profiles["bob"].AvatarURL == "" {
		t.Fatalf("unexpected bob profile %#v", profiles["bob"])
	}
	if profiles["ghost"].DisplayName != "ghost" {
		t.Fatalf("expected fallback display name, got %#v", profiles["ghost"])
	}
}

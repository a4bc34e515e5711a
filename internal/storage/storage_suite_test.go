package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"warden/internal/models"
)

// contentSeeder creates content rows so purges have something to remove.
// Each backend's test file provides one.
type contentSeeder interface {
	CreatePost(ctx context.Context, authorID int64) (int64, error)
	TagPost(ctx context.Context, postID, tagID int64) error
	LikePost(ctx context.Context, userID, postID int64) error
	PostLikes(ctx context.Context, postID int64) (int64, error)
}

// runStorageSuite exercises the behaviour every backend must share.
func runStorageSuite(t *testing.T, s Storage, seed contentSeeder) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Account Lifecycle", func(t *testing.T) {
		created, err := s.CreateAccount(ctx, &models.Account{UserName: "alice", PasswordHash: "$argon2id$x"})
		if err != nil {
			t.Fatalf("CreateAccount failed: %v", err)
		}
		if created.ID <= 0 {
			t.Fatalf("expected positive id, got %d", created.ID)
		}

		if _, err := s.CreateAccount(ctx, &models.Account{UserName: "alice", PasswordHash: "h"}); !errors.Is(err, ErrNameTaken) {
			t.Errorf("expected ErrNameTaken, got %v", err)
		}

		got, err := s.GetAccountByName(ctx, "alice")
		if err != nil {
			t.Fatalf("GetAccountByName failed: %v", err)
		}
		if got.ID != created.ID || got.PasswordHash != "$argon2id$x" || got.IsPrivileged {
			t.Errorf("unexpected account: %+v", got)
		}

		if err := s.SetPrivileged(ctx, created.ID, true); err != nil {
			t.Fatalf("SetPrivileged failed: %v", err)
		}
		if err := s.UpdatePasswordHash(ctx, created.ID, "$argon2id$y"); err != nil {
			t.Fatalf("UpdatePasswordHash failed: %v", err)
		}
		got, err = s.GetAccount(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetAccount failed: %v", err)
		}
		if !got.IsPrivileged || got.PasswordHash != "$argon2id$y" {
			t.Errorf("updates not visible: %+v", got)
		}

		if err := s.DeleteAccount(ctx, created.ID); err != nil {
			t.Fatalf("DeleteAccount failed: %v", err)
		}
		if err := s.DeleteAccount(ctx, created.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}

		got, err = s.GetAccount(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetAccount after delete failed: %v", err)
		}
		if !got.Deleted || got.IsPrivileged {
			t.Errorf("expected deleted, unprivileged account, got %+v", got)
		}
		if _, err := s.GetAccountByName(ctx, "alice"); !errors.Is(err, ErrNotFound) {
			t.Errorf("deleted account should not resolve by name, got %v", err)
		}
		if err := s.SetPrivileged(ctx, created.ID, true); !errors.Is(err, ErrNotFound) {
			t.Errorf("SetPrivileged on deleted account: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Missing Account", func(t *testing.T) {
		if _, err := s.GetAccount(ctx, 999999); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetAccountByName(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Ban History", func(t *testing.T) {
		const subject = int64(7001)

		if _, err := s.LatestBan(ctx, subject); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound before any ban, got %v", err)
		}

		first, err := s.InsertBan(ctx, &models.BanRecord{
			SubjectID: subject, GivenAt: base, ExpiresAt: base.Add(time.Hour), Reason: "spam", IsActive: true,
		})
		if err != nil {
			t.Fatalf("InsertBan failed: %v", err)
		}
		// Same given_at: the later insert must win.
		second, err := s.InsertBan(ctx, &models.BanRecord{
			SubjectID: subject, GivenAt: base, ExpiresAt: base.Add(2 * time.Hour), Reason: "again", IsActive: true,
		})
		if err != nil {
			t.Fatalf("InsertBan failed: %v", err)
		}
		if second.ID <= first.ID {
			t.Fatalf("expected increasing ids, got %d then %d", first.ID, second.ID)
		}

		latest, err := s.LatestBan(ctx, subject)
		if err != nil {
			t.Fatalf("LatestBan failed: %v", err)
		}
		if latest.ID != second.ID || latest.Reason != "again" || !latest.ExpiresAt.Equal(base.Add(2*time.Hour)) {
			t.Errorf("unexpected latest ban: %+v", latest)
		}

		older, err := s.InsertBan(ctx, &models.BanRecord{
			SubjectID: subject, GivenAt: base.Add(-time.Hour), ExpiresAt: base, IsActive: true,
		})
		if err != nil {
			t.Fatalf("InsertBan failed: %v", err)
		}
		latest, err = s.LatestBan(ctx, subject)
		if err != nil {
			t.Fatalf("LatestBan failed: %v", err)
		}
		if latest.ID != second.ID {
			t.Errorf("backdated insert must not become latest, got id %d", latest.ID)
		}

		list, err := s.ListBans(ctx, subject)
		if err != nil {
			t.Fatalf("ListBans failed: %v", err)
		}
		if len(list) != 3 || list[0].ID != second.ID || list[1].ID != first.ID || list[2].ID != older.ID {
			t.Errorf("unexpected order: %+v", list)
		}

		changed, err := s.DeactivateBans(ctx, subject)
		if err != nil {
			t.Fatalf("DeactivateBans failed: %v", err)
		}
		if changed != 3 {
			t.Errorf("expected 3 deactivated, got %d", changed)
		}
		changed, err = s.DeactivateBans(ctx, subject)
		if err != nil {
			t.Fatalf("DeactivateBans failed: %v", err)
		}
		if changed != 0 {
			t.Errorf("second deactivate should change nothing, got %d", changed)
		}

		latest, err = s.LatestBan(ctx, subject)
		if err != nil {
			t.Fatalf("LatestBan failed: %v", err)
		}
		if latest.IsActive {
			t.Error("latest ban should be inactive after deactivation")
		}

		empty, err := s.ListBans(ctx, subject+1)
		if err != nil {
			t.Fatalf("ListBans failed: %v", err)
		}
		if empty == nil || len(empty) != 0 {
			t.Errorf("expected empty non-nil list, got %#v", empty)
		}
	})

	t.Run("Activity Window", func(t *testing.T) {
		const subject = int64(3001)

		for i := 0; i < 5; i++ {
			ev := models.ActivityEvent{SubjectID: subject, Weight: 12, OccurredAt: base.Add(time.Duration(i) * 10 * time.Second)}
			if err := s.AppendActivity(ctx, ev); err != nil {
				t.Fatalf("AppendActivity failed: %v", err)
			}
		}
		if err := s.AppendActivity(ctx, models.ActivityEvent{SubjectID: subject + 1, Weight: 100, OccurredAt: base}); err != nil {
			t.Fatalf("AppendActivity failed: %v", err)
		}

		sum, err := s.SumActivity(ctx, subject, base.Add(-time.Second))
		if err != nil {
			t.Fatalf("SumActivity failed: %v", err)
		}
		if sum != 60 {
			t.Errorf("expected 60, got %d", sum)
		}

		// The lower bound is exclusive.
		sum, err = s.SumActivity(ctx, subject, base)
		if err != nil {
			t.Fatalf("SumActivity failed: %v", err)
		}
		if sum != 48 {
			t.Errorf("expected 48 with exclusive bound, got %d", sum)
		}

		removed, err := s.PruneActivity(ctx, base.Add(20*time.Second))
		if err != nil {
			t.Fatalf("PruneActivity failed: %v", err)
		}
		if removed != 4 {
			t.Errorf("expected 4 pruned (3 for subject, 1 for neighbour), got %d", removed)
		}

		sum, err = s.SumActivity(ctx, subject, base.Add(-time.Hour))
		if err != nil {
			t.Fatalf("SumActivity failed: %v", err)
		}
		if sum != 24 {
			t.Errorf("expected 24 after prune, got %d", sum)
		}

		sum, err = s.SumActivity(ctx, 424242, base.Add(-time.Hour))
		if err != nil {
			t.Fatalf("SumActivity failed: %v", err)
		}
		if sum != 0 {
			t.Errorf("expected 0 for unknown subject, got %d", sum)
		}
	})

	t.Run("Purge Content", func(t *testing.T) {
		const author, fan, other = int64(5001), int64(5002), int64(5003)

		authorPost, err := seed.CreatePost(ctx, author)
		if err != nil {
			t.Fatalf("CreatePost failed: %v", err)
		}
		otherPost, err := seed.CreatePost(ctx, other)
		if err != nil {
			t.Fatalf("CreatePost failed: %v", err)
		}
		mustNoErr(t, seed.TagPost(ctx, authorPost, 1))
		mustNoErr(t, seed.TagPost(ctx, authorPost, 2))
		mustNoErr(t, seed.TagPost(ctx, otherPost, 1))
		mustNoErr(t, seed.LikePost(ctx, fan, authorPost))
		mustNoErr(t, seed.LikePost(ctx, author, otherPost))
		mustNoErr(t, seed.LikePost(ctx, fan, otherPost))

		summary, err := s.PurgeContent(ctx, author)
		if err != nil {
			t.Fatalf("PurgeContent failed: %v", err)
		}
		if summary.Posts != 1 || summary.Tags != 2 || summary.Likes != 1 {
			t.Errorf("unexpected summary: %+v", summary)
		}

		likes, err := seed.PostLikes(ctx, otherPost)
		if err != nil {
			t.Fatalf("PostLikes failed: %v", err)
		}
		if likes != 1 {
			t.Errorf("expected other post to keep 1 like, got %d", likes)
		}
		if _, err := seed.PostLikes(ctx, authorPost); !errors.Is(err, ErrNotFound) {
			t.Errorf("author post should be gone, got %v", err)
		}

		again, err := s.PurgeContent(ctx, author)
		if err != nil {
			t.Fatalf("second PurgeContent failed: %v", err)
		}
		if *again != (PurgeSummary{}) {
			t.Errorf("second purge should remove nothing, got %+v", again)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

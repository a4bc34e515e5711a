package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"warden/internal/models"
)

// MemoryStorage implements the Storage interface using in-memory data structures.
// This provider is ideal for development, testing, and scenarios where data
// persistence is not required. It provides fast access but data is lost on restart.
//
// It also keeps a minimal model of published content (posts, tags and
// likes) so purges behave like the SQL backends.
type MemoryStorage struct {
	mu sync.RWMutex

	accounts      map[int64]*models.Account
	accountByName map[string]int64
	nextAccountID int64

	bans      map[int64][]*models.BanRecord // key: subject ID
	nextBanID int64

	activity []models.ActivityEvent

	posts      map[int64]*memoryPost
	postTags   map[int64][]int64 // post ID -> tag IDs
	likes      map[memoryLike]struct{}
	nextPostID int64
}

type memoryPost struct {
	id       int64
	authorID int64
	likes    int64
}

type memoryLike struct {
	userID int64
	postID int64
}

// NewMemoryStorage creates a new memory-based storage instance
func NewMemoryStorage(config Config) (*MemoryStorage, error) {
	return &MemoryStorage{
		accounts:      make(map[int64]*models.Account),
		accountByName: make(map[string]int64),
		bans:          make(map[int64][]*models.BanRecord),
		posts:         make(map[int64]*memoryPost),
		postTags:      make(map[int64][]int64),
		likes:         make(map[memoryLike]struct{}),
	}, nil
}

// CreateAccount inserts a new account with the next sequential ID.
func (m *MemoryStorage) CreateAccount(ctx context.Context, account *models.Account) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accountByName[account.UserName]; exists {
		return nil, ErrNameTaken
	}

	m.nextAccountID++
	stored := *account
	stored.ID = m.nextAccountID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	m.accounts[stored.ID] = &stored
	m.accountByName[stored.UserName] = stored.ID

	out := stored
	return &out, nil
}

func (m *MemoryStorage) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, exists := m.accounts[id]
	if !exists {
		return nil, ErrNotFound
	}

	out := *account
	return &out, nil
}

func (m *MemoryStorage) GetAccountByName(ctx context.Context, userName string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.accountByName[userName]
	if !exists {
		return nil, ErrNotFound
	}
	account := m.accounts[id]
	if account.Deleted {
		return nil, ErrNotFound
	}

	out := *account
	return &out, nil
}

func (m *MemoryStorage) SetPrivileged(ctx context.Context, id int64, privileged bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, exists := m.accounts[id]
	if !exists || account.Deleted {
		return ErrNotFound
	}
	account.IsPrivileged = privileged
	return nil
}

func (m *MemoryStorage) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, exists := m.accounts[id]
	if !exists || account.Deleted {
		return ErrNotFound
	}
	account.PasswordHash = hash
	return nil
}

// DeleteAccount soft-deletes the account. The user name stays reserved.
func (m *MemoryStorage) DeleteAccount(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, exists := m.accounts[id]
	if !exists || account.Deleted {
		return ErrNotFound
	}
	account.Deleted = true
	account.IsPrivileged = false
	return nil
}

func (m *MemoryStorage) InsertBan(ctx context.Context, ban *models.BanRecord) (*models.BanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextBanID++
	stored := *ban
	stored.ID = m.nextBanID
	m.bans[stored.SubjectID] = append(m.bans[stored.SubjectID], &stored)

	out := stored
	return &out, nil
}

func (m *MemoryStorage) LatestBan(ctx context.Context, subjectID int64) (*models.BanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.BanRecord
	for _, rec := range m.bans[subjectID] {
		if rec.Newer(latest) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}

	out := *latest
	return &out, nil
}

func (m *MemoryStorage) DeactivateBans(ctx context.Context, subjectID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed int64
	for _, rec := range m.bans[subjectID] {
		if rec.IsActive {
			rec.IsActive = false
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStorage) ListBans(ctx context.Context, subjectID int64) ([]*models.BanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.bans[subjectID]
	result := make([]*models.BanRecord, len(records))
	for i, rec := range records {
		recCopy := *rec
		result[i] = &recCopy
	}

	// Newest first
	sort.Slice(result, func(i, j int) bool {
		return result[i].Newer(result[j])
	})

	return result, nil
}

func (m *MemoryStorage) AppendActivity(ctx context.Context, event models.ActivityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.activity = append(m.activity, event)
	return nil
}

func (m *MemoryStorage) SumActivity(ctx context.Context, subjectID int64, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, ev := range m.activity {
		if ev.SubjectID == subjectID && ev.OccurredAt.After(since) {
			sum += int64(ev.Weight)
		}
	}
	return sum, nil
}

func (m *MemoryStorage) PruneActivity(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.activity[:0]
	for _, ev := range m.activity {
		if ev.OccurredAt.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	removed := int64(len(m.activity) - len(kept))
	m.activity = kept
	return removed, nil
}

// CreatePost records a post by authorID and returns its ID.
func (m *MemoryStorage) CreatePost(ctx context.Context, authorID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPostID++
	m.posts[m.nextPostID] = &memoryPost{id: m.nextPostID, authorID: authorID}
	return m.nextPostID, nil
}

func (m *MemoryStorage) TagPost(ctx context.Context, postID, tagID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.posts[postID]; !exists {
		return fmt.Errorf("post %d: %w", postID, ErrNotFound)
	}
	m.postTags[postID] = append(m.postTags[postID], tagID)
	return nil
}

// LikePost records a like and bumps the post's counter. Liking twice is a
// no-op.
func (m *MemoryStorage) LikePost(ctx context.Context, userID, postID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	post, exists := m.posts[postID]
	if !exists {
		return fmt.Errorf("post %d: %w", postID, ErrNotFound)
	}
	key := memoryLike{userID: userID, postID: postID}
	if _, liked := m.likes[key]; liked {
		return nil
	}
	m.likes[key] = struct{}{}
	post.likes++
	return nil
}

// PostLikes returns the like counter of a post.
func (m *MemoryStorage) PostLikes(ctx context.Context, postID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	post, exists := m.posts[postID]
	if !exists {
		return 0, ErrNotFound
	}
	return post.likes, nil
}

func (m *MemoryStorage) PurgeContent(ctx context.Context, subjectID int64) (*PurgeSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := &PurgeSummary{}

	for key := range m.likes {
		if key.userID != subjectID {
			continue
		}
		if post, exists := m.posts[key.postID]; exists {
			post.likes--
		}
		delete(m.likes, key)
		summary.Likes++
	}

	for id, post := range m.posts {
		if post.authorID != subjectID {
			continue
		}
		summary.Tags += int64(len(m.postTags[id]))
		delete(m.postTags, id)
		for key := range m.likes {
			if key.postID == id {
				delete(m.likes, key)
			}
		}
		delete(m.posts, id)
		summary.Posts++
	}

	return summary, nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for memory storage
func (m *MemoryStorage) Close() error {
	return nil
}

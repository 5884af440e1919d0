package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/campushelp/internal/lifecycle"
	"github.com/mmeshcher/campushelp/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Все изменения выполняются
// под одной блокировкой, поэтому операции над объявлением сериализуются.
type MemoryRepository struct {
	mu sync.Mutex

	users     map[int64]*model.User
	usernames map[string]int64
	listings  map[int64]*model.Listing
	records   []model.PointRecord
	messages  []model.Message

	lastUserID    int64
	lastListingID int64
	lastRecordID  int64
	lastMessageID int64

	now func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:     make(map[int64]*model.User),
		usernames: make(map[string]int64),
		listings:  make(map[int64]*model.Listing),
		now:       time.Now,
	}
}

// Close ничего не освобождает и нужен для совместимости с PostgresRepository.
func (m *MemoryRepository) Close() error { return nil }

func cloneListing(l *model.Listing) *model.Listing {
	c := *l
	if l.HelperID != nil {
		h := *l.HelperID
		c.HelperID = &h
	}
	return &c
}

// CreateUser создаёт нового пользователя с начальным балансом.
func (m *MemoryRepository) CreateUser(_ context.Context, u *model.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usernames[u.Username]; ok {
		return 0, ErrUserExists
	}

	m.lastUserID++
	stored := *u
	stored.ID = m.lastUserID
	stored.Points = model.InitialPoints
	stored.CreatedAt = m.now()

	m.users[stored.ID] = &stored
	m.usernames[stored.Username] = stored.ID
	return stored.ID, nil
}

// GetUserByUsername возвращает пользователя по логину.
func (m *MemoryRepository) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usernames[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *m.users[id]
	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (m *MemoryRepository) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *u
	return &c, nil
}

// UpdateProfile изменяет контакт и аватар пользователя.
func (m *MemoryRepository) UpdateProfile(_ context.Context, id int64, contact, avatar string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Contact = contact
	u.Avatar = avatar
	return nil
}

// CreateListing сохраняет новое объявление в статусе OPEN.
func (m *MemoryRepository) CreateListing(_ context.Context, l *model.Listing) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.users[l.OwnerID]
	if !ok {
		return 0, ErrUserNotFound
	}

	m.lastListingID++
	stored := cloneListing(l)
	stored.ID = m.lastListingID
	stored.OwnerName = owner.Username
	stored.HelperID = nil
	stored.Status = model.ListingStatusOpen
	stored.PosterReview = model.ReviewNone
	stored.HelperReview = model.ReviewNone
	stored.CreatedAt = m.now()

	m.listings[stored.ID] = stored
	return stored.ID, nil
}

// GetListing возвращает объявление указанного вида.
func (m *MemoryRepository) GetListing(_ context.Context, kind model.Kind, id int64) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok || l.Kind != kind {
		return nil, ErrListingNotFound
	}
	return cloneListing(l), nil
}

// ListListings возвращает объявления, подходящие под фильтр, от новых к старым.
func (m *MemoryRepository) ListListings(_ context.Context, f model.ListingFilter) ([]model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Listing
	for _, l := range m.listings {
		if f.Matches(l) {
			res = append(res, *cloneListing(l))
		}
	}

	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})

	return res, nil
}

// UpdateListing выполняет mutate над копией объявления и сохраняет результат
// вместе с изменениями балансов только если все проверки прошли.
func (m *MemoryRepository) UpdateListing(_ context.Context, kind model.Kind, id int64, mutate model.Mutation) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.listings[id]
	if !ok || stored.Kind != kind {
		return nil, ErrListingNotFound
	}

	l := cloneListing(stored)
	changes, err := mutate(l)
	if err != nil {
		return nil, err
	}

	if l.HelperID != nil {
		if _, ok := m.users[*l.HelperID]; !ok {
			return nil, ErrUserNotFound
		}
	}
	for _, c := range changes {
		if _, ok := m.users[c.UserID]; !ok {
			return nil, ErrUserNotFound
		}
	}

	now := m.now()
	for _, c := range changes {
		u := m.users[c.UserID]
		next := lifecycle.ApplyDelta(u.Points, c.Delta)

		m.lastRecordID++
		m.records = append(m.records, model.PointRecord{
			ID:        m.lastRecordID,
			UserID:    c.UserID,
			ListingID: l.ID,
			Kind:      l.Kind,
			Reason:    c.Reason,
			Delta:     next - u.Points,
			CreatedAt: now,
		})
		u.Points = next
	}

	m.listings[id] = l
	return cloneListing(l), nil
}

// DeleteListing удаляет объявление, если check разрешает это.
func (m *MemoryRepository) DeleteListing(_ context.Context, kind model.Kind, id int64, check func(l *model.Listing) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok || l.Kind != kind {
		return ErrListingNotFound
	}
	if err := check(cloneListing(l)); err != nil {
		return err
	}

	delete(m.listings, id)
	return nil
}

// GetPointRecordsByUser возвращает журнал изменений баланса пользователя, новые записи первыми.
func (m *MemoryRepository) GetPointRecordsByUser(_ context.Context, userID int64) ([]model.PointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.PointRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].UserID == userID {
			res = append(res, m.records[i])
		}
	}
	return res, nil
}

// GetUnpublishedPointRecords возвращает записи журнала, ещё не отправленные в брокер.
func (m *MemoryRepository) GetUnpublishedPointRecords(_ context.Context, limit int) ([]model.PointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.PointRecord
	for _, rec := range m.records {
		if len(res) == limit {
			break
		}
		if rec.PublishedAt == nil {
			res = append(res, rec)
		}
	}
	return res, nil
}

// MarkPointRecordsPublished отмечает записи журнала как отправленные.
func (m *MemoryRepository) MarkPointRecordsPublished(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	now := m.now()
	for i := range m.records {
		if _, ok := set[m.records[i].ID]; ok && m.records[i].PublishedAt == nil {
			m.records[i].PublishedAt = &now
		}
	}
	return nil
}

// CreateMessage сохраняет личное сообщение.
func (m *MemoryRepository) CreateMessage(_ context.Context, msg *model.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[msg.SenderID]; !ok {
		return 0, ErrUserNotFound
	}
	if _, ok := m.users[msg.RecipientID]; !ok {
		return 0, ErrUserNotFound
	}

	m.lastMessageID++
	stored := *msg
	stored.ID = m.lastMessageID
	stored.CreatedAt = m.now()
	m.messages = append(m.messages, stored)
	return stored.ID, nil
}

// GetConversation возвращает переписку двух пользователей в хронологическом порядке.
func (m *MemoryRepository) GetConversation(_ context.Context, userID, partnerID int64) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Message
	for _, msg := range m.messages {
		if (msg.SenderID == userID && msg.RecipientID == partnerID) ||
			(msg.SenderID == partnerID && msg.RecipientID == userID) {
			res = append(res, msg)
		}
	}
	return res, nil
}

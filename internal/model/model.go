// Package model содержит доменные сущности сервиса взаимопомощи кампуса.
package model

import (
	"strings"
	"time"
)

// InitialPoints задаёт баланс нового пользователя.
const InitialPoints int64 = 10

// User представляет зарегистрированного пользователя.
type User struct {
	ID           int64
	Username     string
	PasswordHash []byte
	Contact      string
	Points       int64
	Avatar       string
	CreatedAt    time.Time
}

// Kind определяет вид объявления.
type Kind string

const (
	KindSkill Kind = "skill"
	KindLost  Kind = "lost"
)

// ParseKind разбирает вид объявления из сегмента пути или параметра запроса.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "skill", "skills":
		return KindSkill, true
	case "lost", "lost-items", "lost_items", "lostitem":
		return KindLost, true
	}
	return "", false
}

// Подтипы объявлений.
const (
	SkillOffering   = 1
	SkillRequesting = 2

	LostItemLost  = 0
	LostItemFound = 1
)

// ValidSubtype сообщает, допустим ли подтип для данного вида объявления.
func (k Kind) ValidSubtype(subtype int) bool {
	switch k {
	case KindSkill:
		return subtype == SkillOffering || subtype == SkillRequesting
	case KindLost:
		return subtype == LostItemLost || subtype == LostItemFound
	}
	return false
}

// ListingStatus описывает стадию жизненного цикла объявления.
type ListingStatus string

const (
	ListingStatusOpen       ListingStatus = "OPEN"
	ListingStatusInProgress ListingStatus = "IN_PROGRESS"
	ListingStatusCompleted  ListingStatus = "COMPLETED"
)

// ReviewGrade описывает оценку одной из сторон после завершения.
type ReviewGrade string

const (
	ReviewNone ReviewGrade = "NONE"
	ReviewGood ReviewGrade = "GOOD"
	ReviewBad  ReviewGrade = "BAD"
)

// ParseReviewGrade принимает GOOD/BAD, а также старые значения reward/complain.
func ParseReviewGrade(s string) (ReviewGrade, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GOOD", "REWARD":
		return ReviewGood, true
	case "BAD", "COMPLAIN":
		return ReviewBad, true
	}
	return "", false
}

// DefaultImage используется, если автор не указал изображение.
const DefaultImage = "https://via.placeholder.com/200x200/cccccc/999999?text=No+Image"

// Listing описывает объявление о навыке или потерянной вещи.
type Listing struct {
	ID           int64
	Kind         Kind
	Title        string
	Cost         string
	Description  string
	Location     string
	Subtype      int
	OwnerID      int64
	OwnerName    string
	HelperID     *int64
	Status       ListingStatus
	PosterReview ReviewGrade
	HelperReview ReviewGrade
	Image        string
	CreatedAt    time.Time
}

// IsParticipant сообщает, является ли пользователь автором или исполнителем.
func (l *Listing) IsParticipant(userID int64) bool {
	return l.OwnerID == userID || l.IsHelper(userID)
}

// IsHelper сообщает, принял ли пользователь это объявление.
func (l *Listing) IsHelper(userID int64) bool {
	return l.HelperID != nil && *l.HelperID == userID
}

// ListingInput содержит поля, заполняемые автором при публикации.
type ListingInput struct {
	Kind        Kind
	Title       string
	Cost        string
	Description string
	Location    string
	Subtype     int
	Image       string
}

// ListingFilter задаёт выборку объявлений. Пустые поля не ограничивают выборку.
type ListingFilter struct {
	Kind     Kind
	Status   ListingStatus
	Subtype  *int
	Keyword  string
	Location string
	OwnerID  *int64
	// HelpsOf выбирает объявления, где пользователь исполнитель,
	// либо автор объявления, которое уже принято.
	HelpsOf *int64
}

// Matches проверяет объявление на соответствие фильтру.
func (f ListingFilter) Matches(l *Listing) bool {
	if f.Kind != "" && l.Kind != f.Kind {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.Subtype != nil && l.Subtype != *f.Subtype {
		return false
	}
	if f.OwnerID != nil && l.OwnerID != *f.OwnerID {
		return false
	}
	if f.HelpsOf != nil {
		uid := *f.HelpsOf
		if !l.IsHelper(uid) && !(l.OwnerID == uid && l.Status != ListingStatusOpen) {
			return false
		}
	}
	if f.Keyword != "" {
		kw := strings.ToLower(f.Keyword)
		second := l.Description
		if l.Kind == KindSkill {
			second = l.Cost
		}
		if !strings.Contains(strings.ToLower(l.Title), kw) && !strings.Contains(strings.ToLower(second), kw) {
			return false
		}
	}
	if f.Location != "" && !strings.Contains(strings.ToLower(l.Location), strings.ToLower(f.Location)) {
		return false
	}
	return true
}

// PointReason описывает причину изменения баланса.
type PointReason string

const (
	PointReasonSettlement PointReason = "settlement"
	PointReasonReview     PointReason = "review"
)

// PointChange описывает требуемое изменение баланса пользователя.
type PointChange struct {
	UserID int64
	Delta  int64
	Reason PointReason
}

// Mutation проверяет и изменяет объявление внутри транзакции хранилища
// и возвращает изменения балансов, которые нужно применить атомарно.
type Mutation func(l *Listing) ([]PointChange, error)

// PointRecord описывает запись журнала начислений. Delta хранит фактически применённое
// изменение с учётом нижней границы баланса.
type PointRecord struct {
	ID          int64
	UserID      int64
	ListingID   int64
	Kind        Kind
	Reason      PointReason
	Delta       int64
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Settlement описывает начисление по итогам операции.
type Settlement struct {
	ListingID      int64
	Kind           Kind
	RewardedUserID int64
	Amount         int64
}

// Message описывает личное сообщение между пользователями.
type Message struct {
	ID          int64
	SenderID    int64
	RecipientID int64
	Content     string
	CreatedAt   time.Time
}

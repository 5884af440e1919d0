// Package service реализует бизнес-логику сервиса взаимопомощи кампуса.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/campushelp/internal/lifecycle"
	"github.com/mmeshcher/campushelp/internal/model"
	"github.com/mmeshcher/campushelp/internal/repository"
	"github.com/mmeshcher/campushelp/internal/validation"
)

// ErrInvalidCredentials возвращается при неверном логине или пароле.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u *model.User) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	UpdateProfile(ctx context.Context, id int64, contact, avatar string) error
	CreateListing(ctx context.Context, l *model.Listing) (int64, error)
	GetListing(ctx context.Context, kind model.Kind, id int64) (*model.Listing, error)
	ListListings(ctx context.Context, f model.ListingFilter) ([]model.Listing, error)
	UpdateListing(ctx context.Context, kind model.Kind, id int64, mutate model.Mutation) (*model.Listing, error)
	DeleteListing(ctx context.Context, kind model.Kind, id int64, check func(l *model.Listing) error) error
	GetPointRecordsByUser(ctx context.Context, userID int64) ([]model.PointRecord, error)
	GetUnpublishedPointRecords(ctx context.Context, limit int) ([]model.PointRecord, error)
	MarkPointRecordsPublished(ctx context.Context, ids []int64) error
	CreateMessage(ctx context.Context, m *model.Message) (int64, error)
	GetConversation(ctx context.Context, userID, partnerID int64) ([]model.Message, error)
}

// Publisher отправляет события во внешний брокер.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Service содержит бизнес-логику сервиса.
type Service struct {
	repo      Repository
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewService создаёт сервис. publisher может быть nil: тогда события не публикуются.
func NewService(repo Repository, publisher Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("github.com/mmeshcher/campushelp/internal/service"),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) startSpan(ctx context.Context, name string, kind model.Kind, id, callerID int64) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("listing.kind", string(kind)),
		attribute.Int64("listing.id", id),
		attribute.Int64("caller.id", callerID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, username, password, contact string) (int64, error) {
	username = strings.TrimSpace(username)
	contact = strings.TrimSpace(contact)

	if err := validation.ValidateRegistration(username, password, contact); err != nil {
		return 0, err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	return s.repo.CreateUser(ctx, &model.User{
		Username:     username,
		PasswordHash: hashed,
		Contact:      contact,
	})
}

// AuthenticateUser проверяет логин и пароль и возвращает идентификатор пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (int64, error) {
	u, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

// GetUser возвращает пользователя по идентификатору.
func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// UpdateProfile изменяет контакт и аватар пользователя.
func (s *Service) UpdateProfile(ctx context.Context, id int64, contact, avatar string) error {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return fmt.Errorf("%w: contact is required", lifecycle.ErrInvalidInput)
	}
	if err := validation.ValidateProfile(contact, avatar); err != nil {
		return err
	}
	return s.repo.UpdateProfile(ctx, id, contact, strings.TrimSpace(avatar))
}

// CreateListing публикует объявление от имени ownerID.
func (s *Service) CreateListing(ctx context.Context, ownerID int64, in model.ListingInput) (int64, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Cost = strings.TrimSpace(in.Cost)
	in.Location = strings.TrimSpace(in.Location)
	in.Image = strings.TrimSpace(in.Image)

	if err := validation.ValidateListing(in); err != nil {
		return 0, err
	}

	l := &model.Listing{
		Kind:        in.Kind,
		Title:       in.Title,
		Subtype:     in.Subtype,
		OwnerID:     ownerID,
		Status:      model.ListingStatusOpen,
		Image:       in.Image,
		Description: in.Description,
	}
	switch in.Kind {
	case model.KindSkill:
		l.Cost = in.Cost
	case model.KindLost:
		l.Location = in.Location
	}
	if l.Image == "" {
		l.Image = model.DefaultImage
	}

	id, err := s.repo.CreateListing(ctx, l)
	if err != nil {
		return 0, err
	}

	s.logger.Info("listing published",
		zap.String("kind", string(in.Kind)), zap.Int64("listingID", id), zap.Int64("ownerID", ownerID))
	return id, nil
}

// ListOpen возвращает открытые объявления указанного вида.
func (s *Service) ListOpen(ctx context.Context, kind model.Kind, f model.ListingFilter) ([]model.Listing, error) {
	f.Kind = kind
	f.Status = model.ListingStatusOpen
	f.OwnerID = nil
	f.HelpsOf = nil
	f.Keyword = strings.TrimSpace(f.Keyword)
	f.Location = strings.TrimSpace(f.Location)
	return s.repo.ListListings(ctx, f)
}

// ListMyPosts возвращает все объявления пользователя в любом статусе.
func (s *Service) ListMyPosts(ctx context.Context, userID int64) ([]model.Listing, error) {
	return s.repo.ListListings(ctx, model.ListingFilter{OwnerID: &userID})
}

// ListMyHelps возвращает объявления, в которых пользователь участвует:
// принятые им, а также его собственные, которые уже кто-то принял.
func (s *Service) ListMyHelps(ctx context.Context, userID int64) ([]model.Listing, error) {
	return s.repo.ListListings(ctx, model.ListingFilter{HelpsOf: &userID})
}

// Accept назначает вызывающего исполнителем открытого объявления.
func (s *Service) Accept(ctx context.Context, kind model.Kind, id, callerID int64) (l *model.Listing, err error) {
	ctx, span := s.startSpan(ctx, "listing.accept", kind, id, callerID)
	defer func() { endSpan(span, err) }()

	l, err = s.repo.UpdateListing(ctx, kind, id, func(l *model.Listing) ([]model.PointChange, error) {
		return nil, lifecycle.Accept(l, callerID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("listing accepted",
		zap.String("kind", string(kind)), zap.Int64("listingID", id), zap.Int64("helperID", callerID))
	return l, nil
}

// Finish завершает объявление и начисляет баллы по таблице расчётов.
// Повторный вызов возвращает конфликт и не меняет балансы.
func (s *Service) Finish(ctx context.Context, kind model.Kind, id, callerID int64) (st *model.Settlement, err error) {
	ctx, span := s.startSpan(ctx, "listing.finish", kind, id, callerID)
	defer func() { endSpan(span, err) }()

	var change model.PointChange
	_, err = s.repo.UpdateListing(ctx, kind, id, func(l *model.Listing) ([]model.PointChange, error) {
		c, err := lifecycle.Finish(l, callerID)
		if err != nil {
			return nil, err
		}
		change = c
		return []model.PointChange{c}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("listing settled",
		zap.String("kind", string(kind)), zap.Int64("listingID", id),
		zap.Int64("rewardedUserID", change.UserID), zap.Int64("amount", change.Delta))

	return &model.Settlement{
		ListingID:      id,
		Kind:           kind,
		RewardedUserID: change.UserID,
		Amount:         change.Delta,
	}, nil
}

// Review выставляет оценку другой стороне завершённого объявления.
func (s *Service) Review(ctx context.Context, kind model.Kind, id, callerID int64, grade model.ReviewGrade) (st *model.Settlement, err error) {
	ctx, span := s.startSpan(ctx, "listing.review", kind, id, callerID)
	span.SetAttributes(attribute.String("review.grade", string(grade)))
	defer func() { endSpan(span, err) }()

	var change model.PointChange
	_, err = s.repo.UpdateListing(ctx, kind, id, func(l *model.Listing) ([]model.PointChange, error) {
		c, err := lifecycle.Review(l, callerID, grade)
		if err != nil {
			return nil, err
		}
		change = c
		return []model.PointChange{c}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("listing reviewed",
		zap.String("kind", string(kind)), zap.Int64("listingID", id), zap.Int64("reviewerID", callerID),
		zap.String("grade", string(grade)), zap.Int64("targetID", change.UserID))

	return &model.Settlement{
		ListingID:      id,
		Kind:           kind,
		RewardedUserID: change.UserID,
		Amount:         change.Delta,
	}, nil
}

// Delete удаляет объявление. Разрешено только автору.
func (s *Service) Delete(ctx context.Context, kind model.Kind, id, callerID int64) (err error) {
	ctx, span := s.startSpan(ctx, "listing.delete", kind, id, callerID)
	defer func() { endSpan(span, err) }()

	err = s.repo.DeleteListing(ctx, kind, id, func(l *model.Listing) error {
		return lifecycle.CheckDelete(l, callerID)
	})
	if err != nil {
		return err
	}

	s.logger.Info("listing deleted",
		zap.String("kind", string(kind)), zap.Int64("listingID", id), zap.Int64("ownerID", callerID))
	return nil
}

// GetPointHistory возвращает журнал изменений баланса пользователя.
func (s *Service) GetPointHistory(ctx context.Context, userID int64) ([]model.PointRecord, error) {
	return s.repo.GetPointRecordsByUser(ctx, userID)
}

// SendMessage отправляет личное сообщение другому пользователю.
func (s *Service) SendMessage(ctx context.Context, senderID, recipientID int64, content string) (int64, error) {
	if senderID == recipientID {
		return 0, fmt.Errorf("%w: cannot message yourself", lifecycle.ErrInvalidInput)
	}
	if err := validation.ValidateMessage(content); err != nil {
		return 0, err
	}

	return s.repo.CreateMessage(ctx, &model.Message{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     strings.TrimSpace(content),
	})
}

// GetConversation возвращает переписку пользователя с собеседником.
func (s *Service) GetConversation(ctx context.Context, userID, partnerID int64) ([]model.Message, error) {
	return s.repo.GetConversation(ctx, userID, partnerID)
}

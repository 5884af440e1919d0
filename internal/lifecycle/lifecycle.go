// Package lifecycle реализует конечный автомат объявления и правила начисления баллов.
//
// Функции пакета не обращаются к хранилищу: они проверяют предусловия и изменяют
// объявление, переданное репозиторием внутри транзакции. Только статус объявления
// показывает, что начисление за выполнение уже произошло.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/campushelp/internal/model"
)

var (
	// ErrInvalidInput возвращается при отсутствующих или некорректных входных данных.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound возвращается, если объявление или пользователь не существует.
	ErrNotFound = errors.New("not found")
	// ErrConflict возвращается при нарушении предусловий конечного автомата.
	ErrConflict = errors.New("conflict")
	// ErrForbidden возвращается, если у вызывающего нет права на операцию.
	ErrForbidden = errors.New("forbidden")
)

// ReviewPoints задаёт величину изменения баланса за одну оценку.
const ReviewPoints int64 = 2

// Party определяет сторону сделки.
type Party int

const (
	PartyOwner Party = iota
	PartyHelper
)

// Reward описывает, кто и сколько получает при завершении.
type Reward struct {
	Party  Party
	Points int64
}

type settlementKey struct {
	kind    model.Kind
	subtype int
}

// Награду получает тот, кто приложил усилие.
var settlementTable = map[settlementKey]Reward{
	{model.KindLost, model.LostItemLost}:     {Party: PartyHelper, Points: 3},
	{model.KindLost, model.LostItemFound}:    {Party: PartyOwner, Points: 3},
	{model.KindSkill, model.SkillOffering}:   {Party: PartyOwner, Points: 5},
	{model.KindSkill, model.SkillRequesting}: {Party: PartyHelper, Points: 5},
}

// RewardFor возвращает правило начисления для вида и подтипа объявления.
func RewardFor(kind model.Kind, subtype int) (Reward, bool) {
	r, ok := settlementTable[settlementKey{kind: kind, subtype: subtype}]
	return r, ok
}

// Accept назначает вызывающего исполнителем открытого объявления.
func Accept(l *model.Listing, callerID int64) error {
	if l.OwnerID == callerID {
		return fmt.Errorf("%w: cannot accept your own listing", ErrForbidden)
	}
	if l.Status != model.ListingStatusOpen {
		return fmt.Errorf("%w: listing already taken", ErrConflict)
	}

	helper := callerID
	l.HelperID = &helper
	l.Status = model.ListingStatusInProgress
	return nil
}

// Finish завершает принятое объявление и возвращает начисление по таблице.
func Finish(l *model.Listing, callerID int64) (model.PointChange, error) {
	if !l.IsParticipant(callerID) {
		return model.PointChange{}, fmt.Errorf("%w: only the owner or the helper can finish a listing", ErrForbidden)
	}

	switch l.Status {
	case model.ListingStatusCompleted:
		return model.PointChange{}, fmt.Errorf("%w: listing already completed", ErrConflict)
	case model.ListingStatusOpen:
		return model.PointChange{}, fmt.Errorf("%w: listing has not been accepted", ErrConflict)
	}

	if l.HelperID == nil || *l.HelperID == l.OwnerID {
		return model.PointChange{}, fmt.Errorf("%w: listing has no valid helper", ErrConflict)
	}

	reward, ok := RewardFor(l.Kind, l.Subtype)
	if !ok {
		return model.PointChange{}, fmt.Errorf("%w: no settlement rule for %s subtype %d", ErrInvalidInput, l.Kind, l.Subtype)
	}

	target := l.OwnerID
	if reward.Party == PartyHelper {
		target = *l.HelperID
	}

	l.Status = model.ListingStatusCompleted
	return model.PointChange{
		UserID: target,
		Delta:  reward.Points,
		Reason: model.PointReasonSettlement,
	}, nil
}

// Review выставляет оценку другой стороне завершённого объявления.
// Каждая сторона может оценить только один раз.
func Review(l *model.Listing, callerID int64, grade model.ReviewGrade) (model.PointChange, error) {
	if grade != model.ReviewGood && grade != model.ReviewBad {
		return model.PointChange{}, fmt.Errorf("%w: review action must be GOOD or BAD", ErrInvalidInput)
	}
	if !l.IsParticipant(callerID) {
		return model.PointChange{}, fmt.Errorf("%w: only the owner or the helper can review", ErrForbidden)
	}
	if l.Status != model.ListingStatusCompleted || l.HelperID == nil {
		return model.PointChange{}, fmt.Errorf("%w: listing is not completed", ErrConflict)
	}

	var flag *model.ReviewGrade
	var target int64
	if l.OwnerID == callerID {
		flag = &l.PosterReview
		target = *l.HelperID
	} else {
		flag = &l.HelperReview
		target = l.OwnerID
	}

	if *flag != model.ReviewNone && *flag != "" {
		return model.PointChange{}, fmt.Errorf("%w: already reviewed", ErrConflict)
	}
	*flag = grade

	delta := ReviewPoints
	if grade == model.ReviewBad {
		delta = -ReviewPoints
	}

	return model.PointChange{
		UserID: target,
		Delta:  delta,
		Reason: model.PointReasonReview,
	}, nil
}

// CheckDelete разрешает удаление только автору объявления.
func CheckDelete(l *model.Listing, callerID int64) error {
	if l.OwnerID != callerID {
		return fmt.Errorf("%w: only the owner can delete a listing", ErrForbidden)
	}
	return nil
}

// ApplyDelta возвращает новый баланс с нижней границей 0.
func ApplyDelta(points, delta int64) int64 {
	next := points + delta
	if next < 0 {
		return 0
	}
	return next
}

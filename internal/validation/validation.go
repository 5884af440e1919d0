// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mmeshcher/campushelp/internal/lifecycle"
	"github.com/mmeshcher/campushelp/internal/model"
)

const (
	maxUsernameLen = 50
	maxContactLen  = 100
	maxTitleLen    = 100
	maxFieldLen    = 100
	maxImageLen    = 500
	maxMessageLen  = 2000
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{lifecycle.ErrInvalidInput}, args...)...)
}

// IsValidUsername проверяет, что логин состоит из букв, цифр, точки, дефиса или подчёркивания.
func IsValidUsername(username string) bool {
	if username == "" || utf8.RuneCountInString(username) > maxUsernameLen {
		return false
	}

	for _, ch := range username {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			continue
		}
		if ch == '_' || ch == '-' || ch == '.' {
			continue
		}
		return false
	}

	return true
}

// ValidateRegistration проверяет данные регистрации.
func ValidateRegistration(username, password, contact string) error {
	if !IsValidUsername(username) {
		return invalid("username must be 1-%d letters, digits or _-.", maxUsernameLen)
	}
	if password == "" {
		return invalid("password is required")
	}
	if strings.TrimSpace(contact) == "" {
		return invalid("contact is required")
	}
	return ValidateProfile(contact, "")
}

// ValidateProfile проверяет редактируемые поля профиля.
func ValidateProfile(contact, avatar string) error {
	if utf8.RuneCountInString(contact) > maxContactLen {
		return invalid("contact is longer than %d characters", maxContactLen)
	}
	if utf8.RuneCountInString(avatar) > maxImageLen {
		return invalid("avatar is longer than %d characters", maxImageLen)
	}
	return nil
}

// ValidateListing проверяет поля объявления перед публикацией.
func ValidateListing(in model.ListingInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return invalid("title is required")
	}
	if utf8.RuneCountInString(in.Title) > maxTitleLen {
		return invalid("title is longer than %d characters", maxTitleLen)
	}
	if !in.Kind.ValidSubtype(in.Subtype) {
		return invalid("type %d is not valid for %s listings", in.Subtype, in.Kind)
	}

	switch in.Kind {
	case model.KindSkill:
		if strings.TrimSpace(in.Cost) == "" {
			return invalid("cost is required")
		}
		if utf8.RuneCountInString(in.Cost) > maxFieldLen {
			return invalid("cost is longer than %d characters", maxFieldLen)
		}
	case model.KindLost:
		if utf8.RuneCountInString(in.Location) > maxFieldLen {
			return invalid("location is longer than %d characters", maxFieldLen)
		}
	}

	if utf8.RuneCountInString(in.Image) > maxImageLen {
		return invalid("image is longer than %d characters", maxImageLen)
	}

	return nil
}

// ValidateMessage проверяет текст личного сообщения.
func ValidateMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return invalid("message is empty")
	}
	if utf8.RuneCountInString(content) > maxMessageLen {
		return invalid("message is longer than %d characters", maxMessageLen)
	}
	return nil
}

package schedule

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"postflow/internal/domain"
)

func platformRule() validation.Rule {
	allowed := make([]interface{}, 0, len(domain.KnownPlatforms))
	for _, p := range domain.KnownPlatforms {
		allowed = append(allowed, p)
	}
	return validation.In(allowed...).Error("unsupported platform")
}

var clockRule = validation.By(func(value interface{}) error {
	s, _ := value.(string)
	_, err := parseClock(s)
	return err
})

// Validate checks a schedule before it is stored.
func Validate(s domain.RecurringSchedule) error {
	err := validation.ValidateStruct(&s,
		validation.Field(&s.OwnerID, validation.Required),
		validation.Field(&s.Platform, validation.Required, platformRule()),
		validation.Field(&s.Weekdays, validation.Each(validation.Min(0), validation.Max(6))),
		validation.Field(&s.TimesOfDay, validation.Each(clockRule)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
	}
	return nil
}

// ValidatePlatform reports whether p is one of the known platforms.
func ValidatePlatform(p domain.Platform) error {
	return validation.Validate(p, validation.Required, platformRule())
}

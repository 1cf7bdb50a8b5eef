package identity

import (
	"fmt"
	"net/url"

	initdata "github.com/telegram-mini-apps/init-data-golang"

	"github.com/token-gate/internal/models"
)

// VerifyInitData checks Telegram Mini App init data (Telegram.WebApp.initData)
func (v *Verifier) VerifyInitData(raw string) (*models.TelegramIdentity, error) {
	if v.botToken == "" {
		return nil, ErrNotConfigured
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: init data is empty", ErrMalformed)
	}

	// The library treats a zero expiry as "no expiry check"; freshness is
	// checked below against our clock instead
	if err := initdata.Validate(raw, v.botToken, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}

	parsed, err := initdata.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if parsed.User.ID == 0 {
		return nil, fmt.Errorf("%w: user is missing", ErrMalformed)
	}

	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	authDate, err := v.checkAuthDate(values.Get("auth_date"))
	if err != nil {
		return nil, err
	}

	return &models.TelegramIdentity{
		ID:        parsed.User.ID,
		Username:  parsed.User.Username,
		FirstName: parsed.User.FirstName,
		LastName:  parsed.User.LastName,
		PhotoURL:  parsed.User.PhotoURL,
		Source:    SourceWebApp,
		AuthDate:  authDate,
	}, nil
}

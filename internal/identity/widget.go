// Package identity verifies Telegram identities and delivers them to the
// session that asked for them.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/token-gate/internal/models"
)

// Identity sources
const (
	SourceWidget = "widget"
	SourceWebApp = "webapp"
)

var (
	// ErrInvalidHash indicates the payload was not signed by the bot
	ErrInvalidHash = errors.New("telegram auth hash mismatch")

	// ErrExpired indicates auth_date is older than the allowed age
	ErrExpired = errors.New("telegram auth data expired")

	// ErrMalformed indicates required fields are missing or unparsable
	ErrMalformed = errors.New("malformed telegram auth data")

	// ErrNotConfigured indicates no bot token is configured
	ErrNotConfigured = errors.New("telegram bot token is not configured")
)

// widgetFields are the fields the Login widget signs
var widgetFields = map[string]bool{
	"id":         true,
	"first_name": true,
	"last_name":  true,
	"username":   true,
	"photo_url":  true,
	"auth_date":  true,
}

// Verifier checks Telegram Login widget and Mini App payloads
type Verifier struct {
	botToken string
	maxAge   time.Duration
	now      func() time.Time
}

// NewVerifier creates a verifier for botToken. maxAge <= 0 disables the freshness check.
func NewVerifier(botToken string, maxAge time.Duration) *Verifier {
	return &Verifier{botToken: botToken, maxAge: maxAge, now: time.Now}
}

// VerifyWidget checks a Login widget payload, as delivered to data-auth-url
// or to the data-onauth callback. Unknown fields are ignored.
func (v *Verifier) VerifyWidget(values url.Values) (*models.TelegramIdentity, error) {
	if v.botToken == "" {
		return nil, ErrNotConfigured
	}

	hash := values.Get("hash")
	if hash == "" {
		return nil, fmt.Errorf("%w: hash is missing", ErrMalformed)
	}

	var pairs []string
	for key := range values {
		if widgetFields[key] {
			pairs = append(pairs, key+"="+values.Get(key))
		}
	}
	sort.Strings(pairs)
	dataCheck := strings.Join(pairs, "\n")

	secret := sha256.Sum256([]byte(v.botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(dataCheck))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(hash))) {
		return nil, ErrInvalidHash
	}

	authDate, err := v.checkAuthDate(values.Get("auth_date"))
	if err != nil {
		return nil, err
	}

	id, err := strconv.ParseInt(values.Get("id"), 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("%w: id", ErrMalformed)
	}

	return &models.TelegramIdentity{
		ID:        id,
		Username:  values.Get("username"),
		FirstName: values.Get("first_name"),
		LastName:  values.Get("last_name"),
		PhotoURL:  values.Get("photo_url"),
		Source:    SourceWidget,
		AuthDate:  authDate,
	}, nil
}

func (v *Verifier) checkAuthDate(raw string) (time.Time, error) {
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, fmt.Errorf("%w: auth_date", ErrMalformed)
	}
	authDate := time.Unix(unix, 0).UTC()
	if v.maxAge > 0 && v.now().Sub(authDate) > v.maxAge {
		return time.Time{}, ErrExpired
	}
	return authDate, nil
}

// Package models provides the persisted record shapes of the token gate service.
package models

import (
	"time"
)

// IdentityClaim links a wallet address to a Telegram account.
// It is written once, on explicit submit, after the wallet passed a gate.
type IdentityClaim struct {
	ID               string    `json:"id,omitempty" bson:"_id,omitempty" db:"id"`
	Gate             string    `json:"gate" bson:"gate,omitempty" db:"gate"`
	WalletAddress    string    `json:"walletAddress" bson:"walletAddress" db:"wallet_address"`
	TelegramUsername string    `json:"telegramUsername" bson:"telegramUsername" db:"telegram_username"`
	TelegramUserID   int64     `json:"telegramUserId" bson:"telegramUserId" db:"telegram_user_id"`
	Timestamp        time.Time `json:"timestamp" bson:"timestamp" db:"created_at"`
}

// TelegramIdentity is a verified Telegram account, as delivered by the
// Login widget or a Mini App
type TelegramIdentity struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	PhotoURL  string `json:"photoUrl,omitempty"`
	// Source is "widget" or "webapp"
	Source   string    `json:"source"`
	AuthDate time.Time `json:"authDate"`
}

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botRequester is the part of tgbotapi.BotAPI the issuer needs
type botRequester interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// TelegramLinkIssuer creates invite links with the Bot API's createChatInviteLink.
// The bot must be an administrator of the chat.
type TelegramLinkIssuer struct {
	bot         botRequester
	chatID      int64
	memberLimit int
	expireAfter time.Duration
	now         func() time.Time
}

// NewTelegramLinkIssuer creates an issuer for chatID. memberLimit < 1 means 1.
func NewTelegramLinkIssuer(bot *tgbotapi.BotAPI, chatID int64, memberLimit int, expireAfter time.Duration) *TelegramLinkIssuer {
	return newTelegramLinkIssuer(bot, chatID, memberLimit, expireAfter)
}

func newTelegramLinkIssuer(bot botRequester, chatID int64, memberLimit int, expireAfter time.Duration) *TelegramLinkIssuer {
	if memberLimit < 1 {
		memberLimit = 1
	}
	return &TelegramLinkIssuer{
		bot:         bot,
		chatID:      chatID,
		memberLimit: memberLimit,
		expireAfter: expireAfter,
		now:         time.Now,
	}
}

type botResult struct {
	resp *tgbotapi.APIResponse
	err  error
}

// IssueLink requests one invite link. The Bot API client has no context
// support, so cancellation abandons the in-flight request.
func (i *TelegramLinkIssuer) IssueLink(ctx context.Context) (*InviteLink, error) {
	cfg := tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  tgbotapi.ChatConfig{ChatID: i.chatID},
		MemberLimit: i.memberLimit,
	}
	if i.expireAfter > 0 {
		cfg.ExpireDate = int(i.now().Add(i.expireAfter).Unix())
	}

	done := make(chan botResult, 1)
	go func() {
		resp, err := i.bot.Request(cfg)
		done <- botResult{resp: resp, err: err}
	}()

	var res botResult
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("createChatInviteLink: %w", ctx.Err())
	case res = <-done:
	}

	if res.err != nil {
		return nil, fmt.Errorf("%w: createChatInviteLink: %v", ErrIssuerStatus, res.err)
	}
	if res.resp == nil || !res.resp.Ok {
		return nil, fmt.Errorf("%w: createChatInviteLink was not ok", ErrIssuerStatus)
	}

	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(res.resp.Result, &link); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuerResponse, err)
	}
	return validateInviteLink(link.InviteLink)
}

package huddle

import (
	"context"
	"fmt"

	"github.com/putto11262002/huddle/core"
)

func (app *App) joinChatHandler(ctx context.Context, s core.Session, p ChatPayload) error {
	return app.rooms.JoinChat(ctx, s, p.ChatType, p.ChatID)
}

func (app *App) leaveChatHandler(ctx context.Context, s core.Session, p ChatPayload) error {
	return app.rooms.LeaveChat(s, p.ChatType, p.ChatID)
}

func (app *App) sendMessageHandler(ctx context.Context, s core.Session, p SendMessagePayload) error {
	_, err := app.dispatcher.Send(ctx, s.UserID(), core.SendInput{
		ChatType: p.ChatType,
		ChatID:   p.ChatID,
		Content:  p.Content,
		Type:     p.MessageType,
		File:     p.FileData,
	})
	return err
}

func (app *App) sendAnnouncementHandler(ctx context.Context, s core.Session, p SendAnnouncementPayload) error {
	_, err := app.dispatcher.Announce(ctx, s.UserID(), p.Content, p.CommunityID)
	return err
}

func (app *App) typingHandler(typing bool) func(context.Context, core.Session, ChatPayload) error {
	return func(ctx context.Context, s core.Session, p ChatPayload) error {
		return app.dispatcher.NotifyTyping(ctx, s, p.ChatType, p.ChatID, typing)
	}
}

// receiptHandler records a delivery receipt. A session may only
// acknowledge messages on behalf of its own identity.
func (app *App) receiptHandler(status core.DeliveryStatus) func(context.Context, core.Session, ReceiptPayload) error {
	return func(ctx context.Context, s core.Session, p ReceiptPayload) error {
		if p.UserID != 0 && p.UserID != s.UserID() {
			return fmt.Errorf("%w: receipt for user %d", core.ErrUnauthorized, p.UserID)
		}
		var err error
		if status == core.Seen {
			_, err = app.status.MarkSeen(ctx, p.MessageID, s.UserID())
		} else {
			_, err = app.status.MarkDelivered(ctx, p.MessageID, s.UserID())
		}
		return err
	}
}

func (app *App) isOnlineHandler(ctx context.Context, s core.Session, p IsOnlinePayload) error {
	e, err := core.NewEvent(core.UserStatusEvent, app.presence.Status(p.UserID))
	if err != nil {
		return err
	}
	return s.Send(e)
}

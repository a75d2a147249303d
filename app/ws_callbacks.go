package huddle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/putto11262002/huddle/core"
)

// onConnectionOpened subscribes the connection to the personal room of its
// identity and to the rooms of its groups before it is registered as
// present, so that the presence broadcast already reaches its own devices.
func (app *App) onConnectionOpened(ctx context.Context, conn *core.Conn) error {
	if _, err := app.presence.Open(ctx, conn, app.rooms.JoinDurableRooms); err != nil {
		app.rooms.LeaveAll(conn)
		return err
	}
	return nil
}

func (app *App) onConnectionClosed(ctx context.Context, conn *core.Conn) {
	app.presence.Unregister(ctx, conn)
	app.rooms.LeaveAll(conn)
}

// onEvent dispatches an inbound event. Failures of events that have an
// error event are reported back to the sending connection. Malformed
// messages are dropped silently.
func (app *App) onEvent(ctx context.Context, conn *core.Conn, e *core.Event) {
	err := app.eventRouter.Dispatch(ctx, conn, e)
	if err == nil {
		return
	}
	errorEvent, ok := errorEvents[e.Type]
	if !ok {
		return
	}
	if errorEvent == core.MessageErrorEvent &&
		(errors.Is(err, core.ErrInvalidMessage) || errors.Is(err, core.ErrInvalidPayload)) {
		return
	}

	reply, err := core.NewEvent(errorEvent, core.ErrorPayload{Message: core.ClientMessage(err)})
	if err != nil {
		app.logger.Error(err.Error())
		return
	}
	if err := conn.Send(reply); err != nil {
		app.logger.Debug("reporting error: "+err.Error(), slog.String("conn", conn.ID()))
	}
}

func (app *App) registerEventHandlers() {
	er := app.eventRouter
	er.On(JoinChatEvent, core.Handle(app.joinChatHandler))
	er.On(LeaveChatEvent, core.Handle(app.leaveChatHandler))
	er.On(SendMessageEvent, core.Handle(app.sendMessageHandler))
	er.On(SendAnnouncementEvent, core.Handle(app.sendAnnouncementHandler))
	er.On(TypingStartEvent, core.Handle(app.typingHandler(true)))
	er.On(TypingStopEvent, core.Handle(app.typingHandler(false)))
	er.On(MessageDeliveredEvent, core.Handle(app.receiptHandler(core.Delivered)))
	er.On(MessageSeenEvent, core.Handle(app.receiptHandler(core.Seen)))
	er.On(IsOnlineEvent, core.Handle(app.isOnlineHandler))

	er.On(StartCallEvent, core.Handle(app.startCallHandler))
	er.On(AnswerCallEvent, core.Handle(app.answerCallHandler))
	er.On(JoinCallRoomEvent, core.Handle(app.joinCallRoomHandler))
	er.On(EndCallEvent, core.Handle(app.endCallHandler))
	er.On(WebRTCOfferEvent, core.Handle(app.signalHandler(core.SignalOffer)))
	er.On(WebRTCAnswerEvent, core.Handle(app.signalHandler(core.SignalAnswer)))
	er.On(WebRTCIceCandidateEvent, core.Handle(app.signalHandler(core.SignalCandidate)))
}

package huddle

import (
	"context"

	"github.com/putto11262002/huddle/core"
)

func (app *App) startCallHandler(ctx context.Context, s core.Session, p StartCallPayload) error {
	_, err := app.calls.Start(ctx, s, p.TargetType, p.TargetID, p.Type)
	return err
}

func (app *App) answerCallHandler(ctx context.Context, s core.Session, p CallPayload) error {
	_, err := app.calls.Answer(ctx, s, p.CallID)
	return err
}

func (app *App) joinCallRoomHandler(ctx context.Context, s core.Session, p CallPayload) error {
	return app.calls.JoinRoom(s, p.CallID)
}

func (app *App) endCallHandler(ctx context.Context, s core.Session, p CallPayload) error {
	return app.calls.End(ctx, s, p.CallID)
}

func (app *App) signalHandler(kind core.SignalKind) func(context.Context, core.Session, SignalPayload) error {
	return func(ctx context.Context, s core.Session, p SignalPayload) error {
		body := p.Offer
		switch kind {
		case core.SignalAnswer:
			body = p.Answer
		case core.SignalCandidate:
			body = p.Candidate
		}
		if len(body) == 0 {
			return core.ErrInvalidPayload
		}
		return app.calls.Relay(s, p.CallID, kind, body, p.TargetID)
	}
}

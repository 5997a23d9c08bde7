package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with whatever request, session and attempt data
// has been attached to the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("method", rd.Method),
			slog.String("uri", rd.URI),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("principal", sd.Principal),
		))
	}

	if ad, ok := ctx.Value(attemptDataKey{}).(*AttemptData); ok {
		r.AddAttrs(slog.Group("attempt",
			slog.String("scheme", ad.Scheme),
			slog.String("authenticator", ad.Authenticator),
			slog.Int("candidate", ad.Candidate),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler is decorated by Handler. A nil logger
// yields a discarding one.
func Wrap(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.New(Handler{Handler: slog.DiscardHandler})
	}
	if _, ok := log.Handler().(Handler); ok {
		return log
	}
	return slog.New(Handler{Handler: log.Handler()})
}

type requestDataKey struct{}

type RequestData struct {
	Method string
	URI    string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	Principal string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type attemptDataKey struct{}

// AttemptData identifies one candidate within a negotiation.
type AttemptData struct {
	Scheme        string
	Authenticator string
	Candidate     int
}

func WithAttemptData(ctx context.Context, data *AttemptData) context.Context {
	return context.WithValue(ctx, attemptDataKey{}, data)
}

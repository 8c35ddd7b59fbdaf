package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "patchwatch/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// ErrDenied is returned by MWAccess after telling the sender.
var ErrDenied = errors.New("access denied")

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int("thread_id", req.Chat.ThreadID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", d),
			}
			switch {
			case errors.Is(err, ErrDenied):
				logger.Info("request denied", fields...)
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				// Keep INFO useful: short successful requests go to DEBUG.
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWAccess enforces cmd.Access. Owners pass every level.
func MWAccess(cmd Command, owners func() []int64) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if cmd.Access == AccessEveryone || isOwner(req.FromID, owners()) {
				return next(ctx, req)
			}
			if cmd.Access == AccessChatAdmin {
				if req.IsPrivate && cmd.SelfService {
					return next(ctx, req)
				}
				if !req.IsPrivate {
					ok, err := req.Adapter.IsAdmin(ctx, req.Chat.ChatID, req.FromID)
					if err != nil {
						_ = req.Reply(ctx, "Could not verify your admin status, try again later.")
						return fmt.Errorf("admin check: %w", err)
					}
					if ok {
						return next(ctx, req)
					}
				}
			}
			msg := "Only chat administrators can use this command."
			if cmd.Access == AccessOwner || req.IsPrivate {
				msg = "Only the bot owner can use this command."
			}
			_ = req.Reply(ctx, msg)
			return ErrDenied
		}
	}
}

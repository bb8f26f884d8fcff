package middleware

import (
	"context"

	"github.com/yingzhisoft/license-server/internal/data"
)

type contextKey string

const (
	ChannelContextKey contextKey = "channel_context"
	AdminContextKey   contextKey = "admin_context"
)

// ChannelContext is the authenticated sales channel on device-facing routes.
type ChannelContext struct {
	Channel *data.Channel
}

// AdminContext is the authenticated operator on admin routes.
type AdminContext struct {
	UserID   string
	Username string
	TokenID  string // jti
}

func GetChannelContext(ctx context.Context) (*ChannelContext, bool) {
	val, ok := ctx.Value(ChannelContextKey).(*ChannelContext)
	return val, ok
}

func WithChannelContext(ctx context.Context, cc *ChannelContext) context.Context {
	return context.WithValue(ctx, ChannelContextKey, cc)
}

func GetAdminContext(ctx context.Context) (*AdminContext, bool) {
	val, ok := ctx.Value(AdminContextKey).(*AdminContext)
	return val, ok
}

func WithAdminContext(ctx context.Context, ac *AdminContext) context.Context {
	return context.WithValue(ctx, AdminContextKey, ac)
}

package auth

import (
	"context"
)

type identityHolderKey struct{}

// IdentityHolder carries the request's resolved identity from the
// handler (where authorization runs) back out to the access-log
// middleware that wraps it.
type IdentityHolder struct {
	ident *Identity
}

// Set records the resolved identity.
func (h *IdentityHolder) Set(ident *Identity) {
	if h != nil {
		h.ident = ident
	}
}

// Get returns the recorded identity, or nil.
func (h *IdentityHolder) Get() *Identity {
	if h == nil {
		return nil
	}
	return h.ident
}

// WithIdentityHolder installs a fresh holder in ctx.
func WithIdentityHolder(ctx context.Context) (context.Context, *IdentityHolder) {
	holder := &IdentityHolder{}
	return context.WithValue(ctx, identityHolderKey{}, holder), holder
}

// HolderFrom extracts the holder from ctx; nil when absent.
func HolderFrom(ctx context.Context) *IdentityHolder {
	holder, _ := ctx.Value(identityHolderKey{}).(*IdentityHolder)
	return holder
}

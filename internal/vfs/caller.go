package vfs

import "context"

type callerKey struct{}

type caller struct {
	uid, gid uint32
}

// WithCaller attaches the requesting user's identity to ctx. Nodes created
// under ctx are owned by uid/gid.
func WithCaller(ctx context.Context, uid, gid uint32) context.Context {
	return context.WithValue(ctx, callerKey{}, caller{uid: uid, gid: gid})
}

// callerFrom returns the identity attached by WithCaller, or root.
func callerFrom(ctx context.Context) (uint32, uint32) {
	if c, ok := ctx.Value(callerKey{}).(caller); ok {
		return c.uid, c.gid
	}
	return 0, 0
}

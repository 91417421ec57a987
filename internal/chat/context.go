package chat

import "context"

// TurnInfo identifies the turn a piece of work belongs to.
type TurnInfo struct {
	ID  string
	Key Key
}

type turnKey struct{}

// WithTurn returns a context carrying info.
func WithTurn(ctx context.Context, info TurnInfo) context.Context {
	return context.WithValue(ctx, turnKey{}, info)
}

// TurnFrom returns the turn stored in ctx.
func TurnFrom(ctx context.Context) (TurnInfo, bool) {
	info, ok := ctx.Value(turnKey{}).(TurnInfo)
	return info, ok
}

package authflow

import "context"

type flowKeyContextKey struct{}

// WithFlowKey attaches the page-visit key that scopes the pending
// one-time-code confirmation in redis. Without it the engine uses the key
// generated at Build.
func WithFlowKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, flowKeyContextKey{}, key)
}

func flowKeyFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	key, _ := ctx.Value(flowKeyContextKey{}).(string)
	if key == "" {
		return "", false
	}

	return key, true
}

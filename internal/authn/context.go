package authn

import "context"

type contextKey int

const authSessionContextKey contextKey = 0

func withAuthSession(ctx context.Context, sess *AuthSession) context.Context {
	return context.WithValue(ctx, authSessionContextKey, sess)
}

func authSessionFromContext(ctx context.Context) (*AuthSession, bool) {
	sess, ok := ctx.Value(authSessionContextKey).(*AuthSession)
	return sess, ok
}

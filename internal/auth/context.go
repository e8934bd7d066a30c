// ABOUTME: Operator identity carried through request handlers
// ABOUTME: WithOperator/OperatorFrom propagate the verified token subject via context

package auth

import "context"

type operatorKey struct{}

// WithOperator returns a context carrying the authenticated operator name.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey{}, subject)
}

// OperatorFrom returns the operator name, or "" when the request is unauthenticated.
func OperatorFrom(ctx context.Context) string {
	s, _ := ctx.Value(operatorKey{}).(string)
	return s
}

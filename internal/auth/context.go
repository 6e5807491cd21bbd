package auth

import "context"

type subjectKey struct{}

// WithSubject 将通过认证的主体写入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 读取上下文中的主体。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// UsernameFromContext 返回主体的用户名，没有主体时返回空串。
func UsernameFromContext(ctx context.Context) string {
	if s := SubjectFromContext(ctx); s != nil {
		return s.Username
	}
	return ""
}

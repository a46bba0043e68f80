package auth

import "context"

type subjectKey struct{}

// localActor 记录不经过 HTTP 认证的调用方，例如 vaultctl 直接执行的操作。
const localActor = "local"

// WithSubject 把通过认证的主体挂到请求上下文，subject 为 nil 时原样返回。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 返回请求的主体；未经过 Middleware 的上下文返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// Actor 返回审计日志中的操作者名称。
func Actor(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return localActor
}

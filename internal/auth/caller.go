package auth

import (
	"context"
	"strconv"

	"OpenOrch/pkg/plugin"
)

// subjectKey keys the authenticated subject in a request context.
type subjectKey struct{}

// WithSubject attaches an authenticated subject to the context. The
// middleware calls this after a successful token check; handlers read it
// back through SubjectFromContext or CallerFromContext.
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated subject, or nil when the
// request never passed the middleware.
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	if subject, ok := ctx.Value(subjectKey{}).(*Subject); ok {
		subject.normalise()
		return subject
	}
	return nil
}

// Caller converts the subject into the identity attached to plugin
// invocations and journalled commands. Roles and permissions are copied so
// later mutation of the subject cannot leak into an in-flight execution.
func (s *Subject) Caller() plugin.Caller {
	if s == nil {
		return plugin.Caller{}
	}
	return plugin.Caller{
		ID:          strconv.FormatInt(s.ID, 10),
		Name:        s.Username,
		Roles:       append([]string(nil), s.Roles...),
		Permissions: append([]string(nil), s.Permissions...),
	}
}

// CallerFromContext extracts the authenticated subject from the request
// context and converts it. When authentication is disabled there is no
// subject and the anonymous identity is returned instead.
func CallerFromContext(ctx context.Context) plugin.Caller {
	if subject := SubjectFromContext(ctx); subject != nil {
		return subject.Caller()
	}
	return AnonymousCaller()
}

// AnonymousCaller is the identity used when authentication is disabled.
func AnonymousCaller() plugin.Caller {
	return plugin.Caller{ID: "anonymous", Name: "anonymous"}
}

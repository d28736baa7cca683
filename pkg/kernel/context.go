package kernel

import "time"

// OperationContext is passed explicitly to every kernel-surface call. It is
// never stored on a component and there is no default instance — callers
// that have no authenticated subject must build an explicit anonymous
// context, which matches only public namespaces.
type OperationContext struct {
	SubjectID   string
	ZoneID      string
	Groups      []string
	IsAdmin     bool
	Deadline    time.Time
	Consistency ConsistencyLevel
}

// Anonymous returns an OperationContext with no subject and no zone. It
// satisfies only namespace roots that do not require a zone or admin
// privilege.
func Anonymous(deadline time.Time) OperationContext {
	return OperationContext{
		SubjectID:   "",
		ZoneID:      "",
		IsAdmin:     false,
		Deadline:    deadline,
		Consistency: ConsistencyEventual,
	}
}

// Expired reports whether the context's deadline has already passed.
func (c OperationContext) Expired(now time.Time) bool {
	return !c.Deadline.IsZero() && now.After(c.Deadline)
}

// Subject returns the context's SubjectID unchanged, for use as the
// "type:id" subject in ReBAC tuples and FileMetadata.OwnerSubject.
func (c OperationContext) Subject() string {
	return c.SubjectID
}

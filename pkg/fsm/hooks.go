package fsm

import (
	"context"

	"github.com/nexus-kernel/nexus/pkg/kernel"
)

// BeforeWriteHook runs before a write's CAS put. A non-nil error aborts
// the write entirely; hooks run in registration order and the first
// failure stops the chain.
type BeforeWriteHook func(ctx context.Context, opctx kernel.OperationContext, path string, data []byte) error

// AfterWriteHook runs once a write has fully committed. Failures here
// (there is no error return) are the caller's own concern — the write
// has already succeeded and cannot be rolled back on a hook's account.
type AfterWriteHook func(ctx context.Context, opctx kernel.OperationContext, path string, etag string)

// RegisterBeforeWrite appends a before_write hook.
func (fs *Filesystem) RegisterBeforeWrite(hook BeforeWriteHook) {
	fs.beforeWrite = append(fs.beforeWrite, hook)
}

// RegisterAfterWrite appends an after_write hook.
func (fs *Filesystem) RegisterAfterWrite(hook AfterWriteHook) {
	fs.afterWrite = append(fs.afterWrite, hook)
}

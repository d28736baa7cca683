package kernel

import (
	"context"

	"github.com/nexus-kernel/nexus/pkg/log"
)

// Coordinate implements the single-node variant of "Metastore write then
// operation-log append" coordination. It is not a true multi-store
// transaction: the Metastore write
// commits first, and if the RecordStore step that follows fails, the
// Metastore write is reversed with a best-effort compensating call. A
// raft-backed Metastore replicates only its own put/delete/cas commands;
// the RecordStore step is not part of the raft log entry, so the two
// halves are not one atomic unit on that driver either.
//
// mutateMetastore performs the metadata write and returns a compensate
// function that reverses it. writeLog performs the RecordStore-side
// append (operation log row, version history row). If writeLog fails,
// compensate is invoked and its error logged, not returned, since the
// caller already has a primary error to report.
func Coordinate(ctx context.Context, mutateMetastore func(ctx context.Context) (compensate func(ctx context.Context) error, err error), writeLog func(ctx context.Context) error) error {
	compensate, err := mutateMetastore(ctx)
	if err != nil {
		return err
	}

	if err := writeLog(ctx); err != nil {
		if compensate != nil {
			if cErr := compensate(ctx); cErr != nil {
				log.Error("kernel.Coordinate: compensating rollback failed: " + cErr.Error())
			}
		}
		return err
	}
	return nil
}

package importer

import "context"

// Gateway executes the remote import procedures.
// Implementations validate what they receive before returning it.
type Gateway interface {
	// UploadImportFile stores file as a new job of the given kind and returns the job ID.
	UploadImportFile(ctx context.Context, file File, kind Kind) (string, error)
	FetchImportJob(ctx context.Context, jobID string) (Job, error)
	// DryRunImport validates the job's rows against mapping without persisting them.
	// It replaces the job's stored errors.
	DryRunImport(ctx context.Context, jobID string, mapping FieldMapping) (DryRunResult, error)
	// FetchImportErrors returns the job's current errors ordered by row number.
	FetchImportErrors(ctx context.Context, jobID string) ([]ImportError, error)
	// CommitImport creates or updates the job's courses and modules.
	// It fails, applying nothing, unless the job's last dry-run of mapping was clean.
	CommitImport(ctx context.Context, jobID string, mapping FieldMapping) (CommitResult, error)
}

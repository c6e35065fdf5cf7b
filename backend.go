package swagent

import "context"

// ApplyOptions tunes one ApplyBatch call.
type ApplyOptions struct {
	// RefreshIndex asks the backend to refresh its package index first.
	RefreshIndex bool
	// Progress, when set, is called after every item in batch order.
	Progress func(AppliedItem)
}

// PackageManager is a package-manager backend.
//
// ApplyBatch applies items strictly in order and never stops at the first
// failing item. Every failure lands in the returned ErrorList with the
// backend and item name in its text; items with ActionNone are skipped and
// do not appear in the applied slice.
type PackageManager interface {
	Kind() BackendKind
	ListInstalled(ctx context.Context) ([]InstalledSoftware, error)
	ApplyBatch(ctx context.Context, items []SoftwareItem, opts ApplyOptions) (ErrorList, []AppliedItem)
}

// BinaryInstaller installs a package file that is already on local disk.
type BinaryInstaller interface {
	InstallFile(ctx context.Context, path string) error
}

// BinaryFetcher downloads a platform-hosted binary and returns the local path.
type BinaryFetcher interface {
	DownloadBinary(ctx context.Context, url string) (string, error)
}

// Pinger is implemented by backends that can check their daemon at startup.
type Pinger interface {
	Ping(ctx context.Context) error
}

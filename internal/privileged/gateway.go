package privileged

import "context"

// PackageInfo is what the package manager reports about an installed package.
type PackageInfo struct {
	PackageID   string
	VersionName string
	VersionCode int64
	// FirstInstallTime is in unix milliseconds.
	FirstInstallTime int64
	// UID is the full uid for the requested user (userID*100000 + appID).
	UID int
}

// Gateway is the boundary through which every operation requiring elevated
// privilege is issued. All methods may fail with a *PrivilegeError; callers
// treat that as fatal for the current task.
type Gateway interface {
	// Check probes the channel. A failure means nothing can be done this batch.
	Check(ctx context.Context) error
	Exists(ctx context.Context, path string) (bool, error)
	// SetSuspended must be called in matched pairs around archiving a package.
	SetSuspended(ctx context.Context, packageID string, userID int, suspended bool) error
	// CountSize sums regular file sizes under path. A non-empty pattern restricts
	// the count to direct children whose base name matches the regexp.
	CountSize(ctx context.Context, path, pattern string) (int64, error)
	ListPackageFilePaths(ctx context.Context, packageID string, userID int) ([]string, error)
	// ListFiles returns the base names of regular files directly under dir
	// that match pattern. An empty pattern matches everything.
	ListFiles(ctx context.Context, dir, pattern string) ([]string, error)
	WriteBytes(ctx context.Context, path string, data []byte) error
	MakeDir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error

	PackageInfo(ctx context.Context, packageID string, userID int) (PackageInfo, error)
	InstallPackage(ctx context.Context, apkPaths []string, userID int) error
	RestoreOwnership(ctx context.Context, path string, uid int, chown bool) error
}

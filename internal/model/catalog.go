package model

// CoverLabel is the fixed date label used when every run overwrites the previous archive.
const CoverLabel = "Cover"

// PackageBase is the identity shared by the backup and restore sides of the catalog.
type PackageBase struct {
	PackageID string `yaml:"package_id" json:"package_id"`
	Label     string `yaml:"label" json:"label"`
	Icon      string `yaml:"icon,omitempty" json:"icon,omitempty"`
}

// Sizes maps a category to its recorded byte size, kept as a decimal string.
type Sizes map[Category]string

// Clone returns a copy of s.
func (s Sizes) Clone() Sizes {
	if s == nil {
		return nil
	}
	out := make(Sizes, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// BackupDetail describes the archive produced by the most recent run for a package.
type BackupDetail struct {
	VersionName string `yaml:"version_name" json:"version_name"`
	VersionCode int64  `yaml:"version_code" json:"version_code"`
	Sizes       Sizes  `yaml:"sizes,omitempty" json:"sizes,omitempty"`
	Date        string `yaml:"date" json:"date"`
}

// BackupRecord is the backup side of the catalog for one package.
type BackupRecord struct {
	Base             PackageBase  `yaml:"base" json:"base"`
	SelectPackage    bool         `yaml:"select_package" json:"select_package"`
	SelectData       bool         `yaml:"select_data" json:"select_data"`
	OnDevice         bool         `yaml:"on_device" json:"on_device"`
	FirstInstallTime int64        `yaml:"first_install_time" json:"first_install_time"`
	Detail           BackupDetail `yaml:"detail" json:"detail"`
}

// Clone returns a deep copy of r.
func (r *BackupRecord) Clone() *BackupRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Detail.Sizes = r.Detail.Sizes.Clone()
	return &out
}

// RestoreDetail is one dated snapshot a package can be restored from.
type RestoreDetail struct {
	HasPackage    bool   `yaml:"has_package" json:"has_package"`
	HasData       bool   `yaml:"has_data" json:"has_data"`
	SelectPackage bool   `yaml:"select_package" json:"select_package"`
	SelectData    bool   `yaml:"select_data" json:"select_data"`
	VersionName   string `yaml:"version_name" json:"version_name"`
	VersionCode   int64  `yaml:"version_code" json:"version_code"`
	Sizes         Sizes  `yaml:"sizes,omitempty" json:"sizes,omitempty"`
	Date          string `yaml:"date" json:"date"`
}

// RestoreRecord is the restore side of the catalog for one package.
// Snapshot dates are unique within Snapshots.
type RestoreRecord struct {
	Base             PackageBase     `yaml:"base" json:"base"`
	FirstInstallTime int64           `yaml:"first_install_time" json:"first_install_time"`
	Snapshots        []RestoreDetail `yaml:"snapshots" json:"snapshots"`
	RestoreIndex     int             `yaml:"restore_index" json:"restore_index"`
}

// Clone returns a deep copy of r.
func (r *RestoreRecord) Clone() *RestoreRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Snapshots != nil {
		out.Snapshots = make([]RestoreDetail, len(r.Snapshots))
		for i, s := range r.Snapshots {
			s.Sizes = s.Sizes.Clone()
			out.Snapshots[i] = s
		}
	}
	return &out
}

// Snapshot returns the snapshot labelled date.
func (r *RestoreRecord) Snapshot(date string) (RestoreDetail, bool) {
	for _, s := range r.Snapshots {
		if s.Date == date {
			return s, true
		}
	}
	return RestoreDetail{}, false
}

// Latest returns the snapshot at RestoreIndex, falling back to the last one.
func (r *RestoreRecord) Latest() (RestoreDetail, bool) {
	if len(r.Snapshots) == 0 {
		return RestoreDetail{}, false
	}
	idx := r.RestoreIndex - 1
	if idx < 0 || idx >= len(r.Snapshots) {
		idx = len(r.Snapshots) - 1
	}
	return r.Snapshots[idx], true
}

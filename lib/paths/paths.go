// Package paths centralizes the on-disk layout of the hypestack data directory.
//
//	{dataDir}/
//	  units/{unit}/
//	    builds/{service}.json   build record for the current image of a service
//	    run.json                last run summary
package paths

import "path/filepath"

// Paths resolves file locations under a data directory.
type Paths struct {
	dataDir string
}

// New creates a Paths rooted at dataDir.
func New(dataDir string) *Paths {
	return &Paths{dataDir: dataDir}
}

// DataDir returns the root data directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// UnitsDir returns the directory holding all units.
func (p *Paths) UnitsDir() string {
	return filepath.Join(p.dataDir, "units")
}

// UnitDir returns the directory for one orchestration unit.
func (p *Paths) UnitDir(unit string) string {
	return filepath.Join(p.UnitsDir(), unit)
}

// BuildsDir returns the build record directory of a unit.
func (p *Paths) BuildsDir(unit string) string {
	return filepath.Join(p.UnitDir(unit), "builds")
}

// BuildRecord returns the build record path for a service.
func (p *Paths) BuildRecord(unit, service string) string {
	return filepath.Join(p.BuildsDir(unit), service+".json")
}

// RunRecord returns the last-run summary path of a unit.
func (p *Paths) RunRecord(unit string) string {
	return filepath.Join(p.UnitDir(unit), "run.json")
}

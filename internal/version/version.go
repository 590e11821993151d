// Package version carries build identification, overridable via ldflags.
package version

var (
	// Name is the service name reported in traces and logs.
	Name = "safewalkd"
	// Version is the build version, set at link time.
	Version = "dev"
)

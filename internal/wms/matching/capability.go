package matching

import (
	"golang.org/x/exp/slices"

	"github.com/gridwms/wms/internal/common/wmserrors"
)

// Capability describes what a requesting pilot can run right now.
type Capability struct {
	ProtocolVersion string
	PilotReference  string
	Site            string
	Platform        string
	// CPUTimeAvailable is the normalised CPU time, in seconds, the pilot can still offer a payload.
	CPUTimeAvailable   int64
	MemoryMB           int64
	NumberOfProcessors int
	Tags               []string
}

// Validate rejects descriptors the matcher cannot work with.
// An empty supportedVersions accepts any protocol version.
func (c Capability) Validate(supportedVersions []string) error {
	if len(supportedVersions) > 0 && !slices.Contains(supportedVersions, c.ProtocolVersion) {
		return &wmserrors.ErrVersionMismatch{
			Requested: c.ProtocolVersion,
			Supported: supportedVersions,
		}
	}
	if c.Site == "" {
		return &wmserrors.ErrInvalidCapability{Field: "Site", Message: "site name is required"}
	}
	if c.PilotReference == "" {
		return &wmserrors.ErrInvalidCapability{Field: "PilotReference", Message: "pilot reference is required"}
	}
	if c.CPUTimeAvailable < 0 {
		return &wmserrors.ErrInvalidCapability{
			Field:   "CPUTimeAvailable",
			Value:   c.CPUTimeAvailable,
			Message: "must not be negative",
		}
	}
	if c.MemoryMB < 0 {
		return &wmserrors.ErrInvalidCapability{
			Field:   "MemoryMB",
			Value:   c.MemoryMB,
			Message: "must not be negative",
		}
	}
	if c.NumberOfProcessors < 0 {
		return &wmserrors.ErrInvalidCapability{
			Field:   "NumberOfProcessors",
			Value:   c.NumberOfProcessors,
			Message: "must not be negative",
		}
	}
	return nil
}

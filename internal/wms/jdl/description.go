package jdl

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/gridwms/wms/internal/wms/matching"
)

const (
	AttrJobID              = "JobID"
	AttrOwner              = "Owner"
	AttrOwnerGroup         = "OwnerGroup"
	AttrVO                 = "VirtualOrganization"
	AttrSite               = "Site"
	AttrBannedSites        = "BannedSites"
	AttrPlatform           = "Platform"
	AttrCPUTime            = "CPUTime"
	AttrMaxRAM             = "MaxRAM"
	AttrTags               = "Tags"
	AttrNumberOfProcessors = "NumberOfProcessors"
	AttrWholeNode          = "WholeNode"
	AttrInputData          = "InputData"
	AttrPriority           = "Priority"
	AttrJobType            = "JobType"
	AttrExecutable         = "Executable"
	AttrArguments          = "Arguments"
	AttrSoftwarePackages   = "SoftwarePackages"
	AttrRescheduleCounter  = "RescheduleCounter"
)

// anySite is the wildcard some submitters use in the Site attribute.
const anySite = "ANY"

// Description is everything the matcher and the agent need to know about a job, derived from its JDL.
type Description struct {
	Requirements     matching.Requirements
	JobType          string
	Executable       string
	Arguments        string
	SoftwarePackages []string
}

// VerificationError marks JDL that parsed but cannot describe a runnable job.
type VerificationError struct {
	Attribute string
	Message   string
}

func (err *VerificationError) Error() string {
	if err.Attribute == "" {
		return "job verification failed: " + err.Message
	}
	return "job verification failed on " + err.Attribute + ": " + err.Message
}

// Extension adds to a description the requirements that follow from optional JDL features.
type Extension interface {
	Name() string
	Apply(ad *ClassAd, description *Description) error
}

type BuilderConfig struct {
	DefaultCPUTime int64 `validate:"gte=0"`
	MaxCPUTime     int64 `validate:"gte=0"`
	DefaultJobType string
	MaxPriority    int32 `validate:"gte=0"`
}

// RequirementsBuilder turns a ClassAd into a Description and runs the configured extensions over it.
type RequirementsBuilder struct {
	config     BuilderConfig
	extensions []Extension
}

func NewRequirementsBuilder(config BuilderConfig, extensions ...Extension) *RequirementsBuilder {
	return &RequirementsBuilder{
		config:     config,
		extensions: extensions,
	}
}

func (b *RequirementsBuilder) Build(ad *ClassAd, identity matching.Identity) (*Description, error) {
	executable, _ := ad.GetString(AttrExecutable)
	if executable == "" {
		return nil, &VerificationError{Attribute: AttrExecutable, Message: "no executable defined"}
	}
	arguments, _ := ad.GetString(AttrArguments)
	jobType, ok := ad.GetString(AttrJobType)
	if !ok || jobType == "" {
		jobType = b.config.DefaultJobType
	}

	cpuTime, ok, err := ad.GetInt(AttrCPUTime)
	if err != nil {
		return nil, &VerificationError{Attribute: AttrCPUTime, Message: err.Error()}
	}
	if !ok {
		cpuTime = b.config.DefaultCPUTime
	}
	if cpuTime < 0 {
		return nil, &VerificationError{Attribute: AttrCPUTime, Message: "must not be negative"}
	}
	if b.config.MaxCPUTime > 0 && cpuTime > b.config.MaxCPUTime {
		return nil, &VerificationError{
			Attribute: AttrCPUTime,
			Message:   strconv.FormatInt(cpuTime, 10) + " exceeds the maximum of " + strconv.FormatInt(b.config.MaxCPUTime, 10),
		}
	}

	memory, _, err := ad.GetInt(AttrMaxRAM)
	if err != nil {
		return nil, &VerificationError{Attribute: AttrMaxRAM, Message: err.Error()}
	}
	priority, _, err := ad.GetInt(AttrPriority)
	if err != nil {
		return nil, &VerificationError{Attribute: AttrPriority, Message: err.Error()}
	}
	if priority < 0 {
		priority = 0
	}
	if b.config.MaxPriority > 0 && priority > int64(b.config.MaxPriority) {
		priority = int64(b.config.MaxPriority)
	}

	sites, _ := ad.GetStringList(AttrSite)
	if len(sites) == 1 && sites[0] == anySite {
		sites = nil
	}
	banned, _ := ad.GetStringList(AttrBannedSites)
	platform, _ := ad.GetString(AttrPlatform)
	tags, _ := ad.GetStringList(AttrTags)
	inputData, _ := ad.GetStringList(AttrInputData)
	packages, _ := ad.GetStringList(AttrSoftwarePackages)

	description := &Description{
		Requirements: matching.Requirements{
			Sites:       sites,
			BannedSites: banned,
			Platform:    platform,
			CPUTime:     cpuTime,
			MemoryMB:    memory,
			Tags:        tags,
			InputData:   inputData,
			Priority:    int32(priority),
			Identity:    identity,
		},
		JobType:          jobType,
		Executable:       executable,
		Arguments:        arguments,
		SoftwarePackages: packages,
	}

	for _, extension := range b.extensions {
		if err := extension.Apply(ad, description); err != nil {
			var verificationErr *VerificationError
			if errors.As(err, &verificationErr) {
				return nil, err
			}
			return nil, errors.WithMessagef(err, "extension %s failed", extension.Name())
		}
	}
	return description, nil
}

// Stamp records server-assigned attributes in the ad, overwriting anything the submitter set.
func Stamp(ad *ClassAd, jobID int64, identity matching.Identity, rescheduleCounter int) {
	ad.Set(AttrJobID, Int(jobID))
	ad.Set(AttrOwner, String(identity.Owner))
	ad.Set(AttrOwnerGroup, String(identity.OwnerGroup))
	if identity.VO != "" {
		ad.Set(AttrVO, String(identity.VO))
	}
	ad.Set(AttrRescheduleCounter, Int(int64(rescheduleCounter)))
}

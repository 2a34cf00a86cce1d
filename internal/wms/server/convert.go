package server

import (
	"time"

	"github.com/gridwms/wms/internal/wms/jobdb"
	"github.com/gridwms/wms/internal/wms/matching"
	"github.com/gridwms/wms/internal/wms/sitemask"
	"github.com/gridwms/wms/internal/wms/taskqueue"
	"github.com/gridwms/wms/pkg/api"
)

func toAPIJob(job *jobdb.Job) *api.Job {
	return &api.Job{
		JobID:             job.JobID,
		Status:            string(job.Status),
		MinorStatus:       job.MinorStatus,
		ApplicationStatus: job.ApplicationStatus,
		Owner:             job.Owner,
		OwnerGroup:        job.OwnerGroup,
		VO:                job.VO,
		JobType:           job.JobType,
		Priority:          job.Priority,
		Site:              job.Site,
		PilotReference:    job.PilotReference,
		RescheduleCounter: job.RescheduleCounter,
		SubmissionTime:    job.SubmissionTime,
		LastUpdateTime:    job.LastUpdateTime,
		HeartbeatTime:     job.HeartbeatTime,
		JDL:               job.JDL,
		Payload: api.Payload{
			Executable:       job.Payload.Executable,
			Arguments:        job.Payload.Arguments,
			SoftwarePackages: job.Payload.SoftwarePackages,
			CPUTimeLimit:     job.Payload.CPUTimeLimit,
		},
		Usage: toAPIUsage(job.Usage),
	}
}

func toAPIUsage(usage jobdb.ResourceUsage) api.ResourceUsage {
	return api.ResourceUsage{
		CPUTimeSeconds:   usage.CPUTime.Seconds(),
		WallClockSeconds: usage.WallClock.Seconds(),
		MemoryMB:         usage.MemoryMB,
		DiskSpaceMB:      usage.DiskSpaceMB,
		LoadAverage:      usage.LoadAverage,
	}
}

func fromAPIUsage(usage api.ResourceUsage) jobdb.ResourceUsage {
	return jobdb.ResourceUsage{
		CPUTime:     usage.CPUTime().Round(time.Millisecond),
		WallClock:   usage.WallClock().Round(time.Millisecond),
		MemoryMB:    usage.MemoryMB,
		DiskSpaceMB: usage.DiskSpaceMB,
		LoadAverage: usage.LoadAverage,
	}
}

func toAPIAttic(entries []jobdb.AtticEntry) []api.AtticEntry {
	out := make([]api.AtticEntry, len(entries))
	for i, entry := range entries {
		out[i] = api.AtticEntry{
			RescheduleCounter: entry.RescheduleCounter,
			Status:            string(entry.Status),
			MinorStatus:       entry.MinorStatus,
			JDL:               entry.JDL,
			Site:              entry.Site,
			PilotReference:    entry.PilotReference,
			ArchivedAt:        entry.ArchivedAt,
		}
	}
	return out
}

func toCapability(request api.MatchRequest) matching.Capability {
	return matching.Capability{
		ProtocolVersion:    request.ProtocolVersion,
		PilotReference:     request.PilotReference,
		Site:               request.Site,
		Platform:           request.Platform,
		CPUTimeAvailable:   request.CPUTimeAvailable,
		MemoryMB:           request.MemoryMB,
		NumberOfProcessors: request.NumberOfProcessors,
		Tags:               request.Tags,
	}
}

func toAPIPilot(pilot *jobdb.Pilot) *api.Pilot {
	return &api.Pilot{
		PilotReference:  pilot.PilotReference,
		Site:            pilot.SiteName,
		Status:          string(pilot.Status),
		LastHeartbeat:   pilot.LastHeartbeat,
		AssociatedJobID: pilot.AssociatedJobID,
		SubmissionTime:  pilot.SubmissionTime,
		LastUpdateTime:  pilot.LastUpdateTime,
	}
}

func toAPISiteMaskEntry(entry sitemask.Entry) api.SiteMaskEntry {
	return api.SiteMaskEntry{
		Site:       entry.Site,
		Status:     string(entry.Status),
		Author:     entry.Author,
		Reason:     entry.Reason,
		UpdateTime: entry.UpdateTime,
	}
}

func toAPITaskQueue(info taskqueue.Info) api.TaskQueue {
	return api.TaskQueue{
		TaskQueueID: info.TaskQueueID,
		Priority:    info.Priority,
		Sites:       info.Requirements.Sites,
		Platform:    info.Requirements.Platform,
		CPUTime:     info.Requirements.CPUTime,
		Owner:       info.Requirements.Identity.Owner,
		OwnerGroup:  info.Requirements.Identity.OwnerGroup,
		JobIDs:      info.JobIDs,
	}
}

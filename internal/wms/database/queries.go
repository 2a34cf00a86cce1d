package database

import (
	"encoding/json"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"

	"github.com/gridwms/wms/internal/wms/jobdb"
)

var (
	dialect = goqu.Dialect("postgres")

	jobsTable   = goqu.T("jobs")
	atticTable  = goqu.T("attic")
	pilotsTable = goqu.T("pilots")

	col_jobId          = goqu.C("job_id")
	col_status         = goqu.C("status")
	col_version        = goqu.C("version")
	col_reschedule     = goqu.C("reschedule_counter")
	col_pilotReference = goqu.C("pilot_reference")
)

var jobColumns = []interface{}{
	"job_id", "status", "minor_status", "application_status", "owner", "owner_group", "vo", "job_type",
	"priority", "requirements", "payload", "usage", "submission_time", "last_update_time", "heartbeat_time",
	"reschedule_time", "reschedule_counter", "jdl", "original_jdl", "pilot_reference", "site", "version",
}

var atticColumns = []interface{}{
	"job_id", "reschedule_counter", "status", "minor_status", "jdl", "site", "pilot_reference", "archived_at",
}

var pilotColumns = []interface{}{
	"pilot_reference", "site_name", "status", "last_heartbeat", "associated_job_id", "submission_time",
	"last_update_time", "version",
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// jobRecord holds every mutable column of a job. The key and the version are handled by the callers.
func jobRecord(job *jobdb.Job) (goqu.Record, error) {
	requirements, err := json.Marshal(job.Requirements)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	usage, err := json.Marshal(job.Usage)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return goqu.Record{
		"status":             string(job.Status),
		"minor_status":       job.MinorStatus,
		"application_status": job.ApplicationStatus,
		"owner":              job.Owner,
		"owner_group":        job.OwnerGroup,
		"vo":                 job.VO,
		"job_type":           job.JobType,
		"priority":           job.Priority,
		"requirements":       string(requirements),
		"payload":            string(payload),
		"usage":              string(usage),
		"submission_time":    job.SubmissionTime,
		"last_update_time":   job.LastUpdateTime,
		"heartbeat_time":     job.HeartbeatTime,
		"reschedule_time":    job.RescheduleTime,
		"reschedule_counter": job.RescheduleCounter,
		"jdl":                job.JDL,
		"original_jdl":       job.OriginalJDL,
		"pilot_reference":    job.PilotReference,
		"site":               job.Site,
	}, nil
}

func insertJobQuery(job *jobdb.Job) (string, []interface{}, error) {
	record, err := jobRecord(job)
	if err != nil {
		return "", nil, err
	}
	record["version"] = 1
	return dialect.Insert(jobsTable).Rows(record).Returning(col_jobId).Prepared(true).ToSQL()
}

// updateJobQuery swaps in job if the stored version is still job.Version and, when expectedStatus is set,
// the stored status is expectedStatus. Zero affected rows means the swap was lost.
func updateJobQuery(job *jobdb.Job, expectedStatus jobdb.JobStatus) (string, []interface{}, error) {
	record, err := jobRecord(job)
	if err != nil {
		return "", nil, err
	}
	record["version"] = job.Version + 1
	conditions := []exp.Expression{col_jobId.Eq(job.JobID), col_version.Eq(job.Version)}
	if expectedStatus != "" {
		conditions = append(conditions, col_status.Eq(string(expectedStatus)))
	}
	return dialect.Update(jobsTable).Set(record).Where(conditions...).Prepared(true).ToSQL()
}

func selectJobQuery(jobID int64) (string, []interface{}, error) {
	return dialect.From(jobsTable).Select(jobColumns...).Where(col_jobId.Eq(jobID)).Prepared(true).ToSQL()
}

func selectJobsByStatusQuery(statuses []jobdb.JobStatus) (string, []interface{}, error) {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	return dialect.From(jobsTable).
		Select(jobColumns...).
		Where(col_status.In(values)).
		Order(col_jobId.Asc()).
		Prepared(true).
		ToSQL()
}

func deleteJobQuery(jobID int64) (string, []interface{}, error) {
	return dialect.Delete(jobsTable).Where(col_jobId.Eq(jobID)).Prepared(true).ToSQL()
}

func insertAtticQuery(entry jobdb.AtticEntry) (string, []interface{}, error) {
	return dialect.Insert(atticTable).Rows(goqu.Record{
		"job_id":             entry.JobID,
		"reschedule_counter": entry.RescheduleCounter,
		"status":             string(entry.Status),
		"minor_status":       entry.MinorStatus,
		"jdl":                entry.JDL,
		"site":               entry.Site,
		"pilot_reference":    entry.PilotReference,
		"archived_at":        entry.ArchivedAt,
	}).Prepared(true).ToSQL()
}

func selectAtticQuery(jobID int64) (string, []interface{}, error) {
	return dialect.From(atticTable).
		Select(atticColumns...).
		Where(col_jobId.Eq(jobID)).
		Order(col_reschedule.Asc()).
		Prepared(true).
		ToSQL()
}

func pilotRecord(pilot *jobdb.Pilot) goqu.Record {
	return goqu.Record{
		"site_name":         pilot.SiteName,
		"status":            string(pilot.Status),
		"last_heartbeat":    pilot.LastHeartbeat,
		"associated_job_id": pilot.AssociatedJobID,
		"submission_time":   pilot.SubmissionTime,
		"last_update_time":  pilot.LastUpdateTime,
	}
}

// upsertPilotQuery inserts pilot with version 1 or overwrites the stored pilot and bumps its version.
// The new version is returned.
func upsertPilotQuery(pilot *jobdb.Pilot) (string, []interface{}, error) {
	insert := pilotRecord(pilot)
	insert["pilot_reference"] = pilot.PilotReference
	insert["version"] = 1
	update := pilotRecord(pilot)
	update["version"] = goqu.L(`"pilots"."version" + 1`)
	return dialect.Insert(pilotsTable).
		Rows(insert).
		OnConflict(goqu.DoUpdate("pilot_reference", update)).
		Returning(col_version).
		Prepared(true).
		ToSQL()
}

// insertPilotQuery inserts pilot with version 1. No row is returned if the pilot is already stored.
func insertPilotQuery(pilot *jobdb.Pilot) (string, []interface{}, error) {
	insert := pilotRecord(pilot)
	insert["pilot_reference"] = pilot.PilotReference
	insert["version"] = 1
	return dialect.Insert(pilotsTable).
		Rows(insert).
		OnConflict(goqu.DoNothing()).
		Returning(col_version).
		Prepared(true).
		ToSQL()
}

func updatePilotQuery(pilot *jobdb.Pilot) (string, []interface{}, error) {
	record := pilotRecord(pilot)
	record["version"] = pilot.Version + 1
	return dialect.Update(pilotsTable).
		Set(record).
		Where(col_pilotReference.Eq(pilot.PilotReference), col_version.Eq(pilot.Version)).
		Prepared(true).
		ToSQL()
}

func selectPilotQuery(pilotReference string) (string, []interface{}, error) {
	return dialect.From(pilotsTable).
		Select(pilotColumns...).
		Where(col_pilotReference.Eq(pilotReference)).
		Prepared(true).
		ToSQL()
}

func selectPilotForUpdateQuery(pilotReference string) (string, []interface{}, error) {
	return dialect.From(pilotsTable).
		Select(pilotColumns...).
		Where(col_pilotReference.Eq(pilotReference)).
		ForUpdate(exp.Wait).
		Prepared(true).
		ToSQL()
}

func selectPilotsByStatusQuery(statuses []jobdb.PilotStatus) (string, []interface{}, error) {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	return dialect.From(pilotsTable).
		Select(pilotColumns...).
		Where(col_status.In(values)).
		Order(col_pilotReference.Asc()).
		Prepared(true).
		ToSQL()
}

func deletePilotQuery(pilotReference string) (string, []interface{}, error) {
	return dialect.Delete(pilotsTable).Where(col_pilotReference.Eq(pilotReference)).Prepared(true).ToSQL()
}

func scanJob(row scanner) (*jobdb.Job, error) {
	job := &jobdb.Job{}
	var status string
	var requirements, payload, usage []byte
	err := row.Scan(
		&job.JobID, &status, &job.MinorStatus, &job.ApplicationStatus, &job.Owner, &job.OwnerGroup, &job.VO,
		&job.JobType, &job.Priority, &requirements, &payload, &usage, &job.SubmissionTime, &job.LastUpdateTime,
		&job.HeartbeatTime, &job.RescheduleTime, &job.RescheduleCounter, &job.JDL, &job.OriginalJDL,
		&job.PilotReference, &job.Site, &job.Version,
	)
	if err != nil {
		return nil, err
	}
	job.Status = jobdb.JobStatus(status)
	if err := json.Unmarshal(requirements, &job.Requirements); err != nil {
		return nil, errors.Wrapf(err, "corrupt requirements for job %d", job.JobID)
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, errors.Wrapf(err, "corrupt payload for job %d", job.JobID)
	}
	if err := json.Unmarshal(usage, &job.Usage); err != nil {
		return nil, errors.Wrapf(err, "corrupt usage for job %d", job.JobID)
	}
	return job, nil
}

func scanAtticEntry(row scanner) (jobdb.AtticEntry, error) {
	entry := jobdb.AtticEntry{}
	var status string
	err := row.Scan(
		&entry.JobID, &entry.RescheduleCounter, &status, &entry.MinorStatus, &entry.JDL, &entry.Site,
		&entry.PilotReference, &entry.ArchivedAt,
	)
	entry.Status = jobdb.JobStatus(status)
	return entry, err
}

func scanPilot(row scanner) (*jobdb.Pilot, error) {
	pilot := &jobdb.Pilot{}
	var status string
	err := row.Scan(
		&pilot.PilotReference, &pilot.SiteName, &status, &pilot.LastHeartbeat, &pilot.AssociatedJobID,
		&pilot.SubmissionTime, &pilot.LastUpdateTime, &pilot.Version,
	)
	if err != nil {
		return nil, err
	}
	pilot.Status = jobdb.PilotStatus(status)
	return pilot, nil
}

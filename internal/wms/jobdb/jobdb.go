package jobdb

import (
	"sort"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
)

const (
	jobsTable   = "jobs"
	atticTable  = "attic"
	pilotsTable = "pilots"
	idIndex     = "id"     // primary key
	statusIndex = "status" // lookup by state
	jobIndex    = "job"    // attic entries of one job
)

// JobDb is an in-memory Repository built on https://github.com/hashicorp/go-memdb.
// go-memdb allows a single writer at a time, which makes every write transaction a critical section;
// compare-and-swap checks are done inside the write transaction.
type JobDb struct {
	db *memdb.MemDB
	// Last assigned job id. Only read or written while holding a write transaction.
	lastJobID int64
}

// storedAtticEntry gives attic entries a unique key inside go-memdb.
type storedAtticEntry struct {
	Key   string
	JobID int64
	Entry AtticEntry
}

func NewJobDb() (*JobDb, error) {
	db, err := memdb.NewMemDB(jobDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobDb{db: db}, nil
}

func (jobDb *JobDb) InsertJob(_ *wmscontext.Context, job *Job) error {
	txn := jobDb.db.Txn(true)
	defer txn.Abort()

	jobDb.lastJobID++
	job.JobID = jobDb.lastJobID
	job.Version = 1
	if err := txn.Insert(jobsTable, job.DeepCopy()); err != nil {
		jobDb.lastJobID--
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (jobDb *JobDb) GetJob(_ *wmscontext.Context, jobID int64) (*Job, error) {
	txn := jobDb.db.Txn(false)
	defer txn.Abort()
	job, err := getJob(txn, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobNotFound(jobID)
	}
	return job.DeepCopy(), nil
}

func (jobDb *JobDb) GetJobsByStatus(_ *wmscontext.Context, statuses ...JobStatus) ([]*Job, error) {
	txn := jobDb.db.Txn(false)
	defer txn.Abort()

	result := make([]*Job, 0)
	for _, status := range statuses {
		iter, err := txn.Get(jobsTable, statusIndex, string(status))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for obj := iter.Next(); obj != nil; obj = iter.Next() {
			result = append(result, obj.(*Job).DeepCopy())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JobID < result[j].JobID })
	return result, nil
}

func (jobDb *JobDb) UpdateJob(_ *wmscontext.Context, job *Job) (bool, error) {
	txn := jobDb.db.Txn(true)
	defer txn.Abort()

	ok, err := compareAndSwapJob(txn, job, "")
	if err != nil || !ok {
		return ok, err
	}
	txn.Commit()
	job.Version++
	return true, nil
}

func (jobDb *JobDb) AssignJob(_ *wmscontext.Context, job *Job, pilot *Pilot) (bool, error) {
	txn := jobDb.db.Txn(true)
	defer txn.Abort()

	existing, err := getPilot(txn, pilot.PilotReference)
	if err != nil {
		return false, err
	}
	if existing != nil {
		associated, err := getJob(txn, existing.AssociatedJobID)
		if err != nil {
			return false, err
		}
		if err := CheckPilotAvailable(existing, associated, job.JobID); err != nil {
			return false, err
		}
	}
	if (existing == nil && pilot.Version != 0) || (existing != nil && existing.Version != pilot.Version) {
		return false, nil
	}
	ok, err := compareAndSwapJob(txn, job, Waiting)
	if err != nil || !ok {
		return ok, err
	}
	updated := pilot.DeepCopy()
	updated.Version++
	if err := txn.Insert(pilotsTable, updated); err != nil {
		return false, errors.WithStack(err)
	}
	txn.Commit()
	job.Version++
	pilot.Version = updated.Version
	return true, nil
}

func (jobDb *JobDb) RescheduleJob(_ *wmscontext.Context, job *Job, entry AtticEntry) (bool, error) {
	txn := jobDb.db.Txn(true)
	defer txn.Abort()

	ok, err := compareAndSwapJob(txn, job, "")
	if err != nil || !ok {
		return ok, err
	}
	stored := &storedAtticEntry{
		Key:   atticKey(entry.JobID, entry.RescheduleCounter),
		JobID: entry.JobID,
		Entry: entry,
	}
	if err := txn.Insert(atticTable, stored); err != nil {
		return false, errors.WithStack(err)
	}
	txn.Commit()
	job.Version++
	return true, nil
}

// DeleteJob removes the job and its attic. Deleting a job that does not exist returns ErrNotFound.
func (jobDb *JobDb) DeleteJob(_ *wmscontext.Context, jobID int64) error {
	txn := jobDb.db.Txn(true)
	defer txn.Abort()

	job, err := getJob(txn, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return jobNotFound(jobID)
	}
	if err := txn.Delete(jobsTable, job); err != nil {
		return errors.WithStack(err)
	}
	if _, err := txn.DeleteAll(atticTable, jobIndex, jobID); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (jobDb *JobDb) GetAttic(_ *wmscontext.Context, jobID int64) ([]AtticEntry, error) {
	txn := jobDb.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(atticTable, jobIndex, jobID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]AtticEntry, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*storedAtticEntry).Entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RescheduleCounter < result[j].RescheduleCounter })
	return result, nil
}

func (jobDb *JobDb) UpsertPilot(_ *wmscontext.Context, pilot *Pilot) error {
	txn := jobDb.db.Txn(true)
	defer txn.Abort()
	version, err := upsertPilot(txn, pilot)
	if err != nil {
		return err
	}
	txn.Commit()
	pilot.Version = version
	return nil
}

func (jobDb *JobDb) UpdatePilot(_ *wmscontext.Context, pilot *Pilot) (bool, error) {
	txn := jobDb.db.Txn(true)
	defer txn.Abort()

	existing, err := getPilot(txn, pilot.PilotReference)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.Version != pilot.Version {
		return false, nil
	}
	updated := pilot.DeepCopy()
	updated.Version++
	if err := txn.Insert(pilotsTable, updated); err != nil {
		return false, errors.WithStack(err)
	}
	txn.Commit()
	pilot.Version = updated.Version
	return true, nil
}

func (jobDb *JobDb) GetPilot(_ *wmscontext.Context, pilotReference string) (*Pilot, error) {
	txn := jobDb.db.Txn(false)
	defer txn.Abort()
	pilot, err := getPilot(txn, pilotReference)
	if err != nil {
		return nil, err
	}
	if pilot == nil {
		return nil, pilotNotFound(pilotReference)
	}
	return pilot.DeepCopy(), nil
}

func (jobDb *JobDb) GetPilotsByStatus(_ *wmscontext.Context, statuses ...PilotStatus) ([]*Pilot, error) {
	txn := jobDb.db.Txn(false)
	defer txn.Abort()

	result := make([]*Pilot, 0)
	for _, status := range statuses {
		iter, err := txn.Get(pilotsTable, statusIndex, string(status))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for obj := iter.Next(); obj != nil; obj = iter.Next() {
			result = append(result, obj.(*Pilot).DeepCopy())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PilotReference < result[j].PilotReference })
	return result, nil
}

func (jobDb *JobDb) DeletePilot(_ *wmscontext.Context, pilotReference string) error {
	txn := jobDb.db.Txn(true)
	defer txn.Abort()
	pilot, err := getPilot(txn, pilotReference)
	if err != nil {
		return err
	}
	if pilot == nil {
		return pilotNotFound(pilotReference)
	}
	if err := txn.Delete(pilotsTable, pilot); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// compareAndSwapJob replaces the stored job if its version matches and, when expectedStatus is set, its status too.
func compareAndSwapJob(txn *memdb.Txn, job *Job, expectedStatus JobStatus) (bool, error) {
	existing, err := getJob(txn, job.JobID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, jobNotFound(job.JobID)
	}
	if existing.Version != job.Version {
		return false, nil
	}
	if expectedStatus != "" && existing.Status != expectedStatus {
		return false, nil
	}
	updated := job.DeepCopy()
	updated.Version++
	if err := txn.Insert(jobsTable, updated); err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

func upsertPilot(txn *memdb.Txn, pilot *Pilot) (int64, error) {
	existing, err := getPilot(txn, pilot.PilotReference)
	if err != nil {
		return 0, err
	}
	updated := pilot.DeepCopy()
	updated.Version = 1
	if existing != nil {
		updated.Version = existing.Version + 1
	}
	if err := txn.Insert(pilotsTable, updated); err != nil {
		return 0, errors.WithStack(err)
	}
	return updated.Version, nil
}

func getJob(txn *memdb.Txn, jobID int64) (*Job, error) {
	obj, err := txn.First(jobsTable, idIndex, jobID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*Job), nil
}

func getPilot(txn *memdb.Txn, pilotReference string) (*Pilot, error) {
	obj, err := txn.First(pilotsTable, idIndex, pilotReference)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*Pilot), nil
}

func jobNotFound(jobID int64) error {
	return &wmserrors.ErrNotFound{Type: "job", Value: FormatJobID(jobID)}
}

func pilotNotFound(pilotReference string) error {
	return &wmserrors.ErrNotFound{Type: "pilot", Value: pilotReference}
}

// jobDbSchema creates the database schema: jobs, their attic and pilots, each with a primary key and
// the secondary indexes the repository queries on.
func jobDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "JobID"},
					},
					statusIndex: {
						Name:         statusIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			atticTable: {
				Name: atticTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					jobIndex: {
						Name:    jobIndex,
						Indexer: &memdb.IntFieldIndex{Field: "JobID"},
					},
				},
			},
			pilotsTable: {
				Name: pilotsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "PilotReference"},
					},
					statusIndex: {
						Name:         statusIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
		},
	}
}

package database

import (
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/internal/wms/jobdb"
)

// errSwapLost rolls back a transaction whose compare-and-swap matched no row.
var errSwapLost = errors.New("compare and swap lost")

// PostgresJobRepository is the durable jobdb.Repository. Every compare-and-swap is a single conditional UPDATE,
// so concurrent writers across server replicas are serialized by Postgres row locks.
type PostgresJobRepository struct {
	db *pgxpool.Pool
}

func NewPostgresJobRepository(db *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{db: db}
}

func (r *PostgresJobRepository) InsertJob(ctx *wmscontext.Context, job *jobdb.Job) error {
	sql, args, err := insertJobQuery(job)
	if err != nil {
		return err
	}
	var jobID int64
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&jobID); err != nil {
		return translateError("insert job", err)
	}
	job.JobID = jobID
	job.Version = 1
	return nil
}

func (r *PostgresJobRepository) GetJob(ctx *wmscontext.Context, jobID int64) (*jobdb.Job, error) {
	sql, args, err := selectJobQuery(jobID)
	if err != nil {
		return nil, err
	}
	job, err := scanJob(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &wmserrors.ErrNotFound{Type: "job", Value: jobdb.FormatJobID(jobID)}
	}
	if err != nil {
		return nil, translateError("read job", err)
	}
	return job, nil
}

func (r *PostgresJobRepository) GetJobsByStatus(ctx *wmscontext.Context, statuses ...jobdb.JobStatus) ([]*jobdb.Job, error) {
	if len(statuses) == 0 {
		return []*jobdb.Job{}, nil
	}
	sql, args, err := selectJobsByStatusQuery(statuses)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, translateError("list jobs", err)
	}
	defer rows.Close()

	jobs := make([]*jobdb.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, translateError("list jobs", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("list jobs", err)
	}
	return jobs, nil
}

func (r *PostgresJobRepository) UpdateJob(ctx *wmscontext.Context, job *jobdb.Job) (bool, error) {
	ok, err := r.swapJob(ctx, r.db, job, "")
	if err != nil || !ok {
		return ok, err
	}
	job.Version++
	return true, nil
}

func (r *PostgresJobRepository) AssignJob(ctx *wmscontext.Context, job *jobdb.Job, pilot *jobdb.Pilot) (bool, error) {
	var pilotVersion int64
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if err := r.checkPilot(ctx, tx, pilot, job.JobID); err != nil {
			return err
		}
		ok, err := r.swapJob(ctx, tx, job, jobdb.Waiting)
		if err != nil {
			return err
		}
		if !ok {
			return errSwapLost
		}
		pilotVersion, err = r.swapPilot(ctx, tx, pilot)
		return err
	})
	var unavailable *jobdb.ErrPilotUnavailable
	switch {
	case errors.Is(err, errSwapLost):
		return false, nil
	case errors.As(err, &unavailable):
		return false, unavailable
	case err != nil:
		return false, translateError("assign job", err)
	}
	job.Version++
	pilot.Version = pilotVersion
	return true, nil
}

// checkPilot locks the stored pilot row for the rest of the transaction and verifies that it may take jobID and
// that it has not changed since pilot was read.
func (r *PostgresJobRepository) checkPilot(ctx *wmscontext.Context, tx pgx.Tx, pilot *jobdb.Pilot, jobID int64) error {
	sql, args, err := selectPilotForUpdateQuery(pilot.PilotReference)
	if err != nil {
		return err
	}
	stored, err := scanPilot(tx.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		if pilot.Version != 0 {
			return errSwapLost
		}
		return nil
	}
	if err != nil {
		return err
	}
	var associated *jobdb.Job
	if stored.AssociatedJobID != 0 {
		sql, args, err := selectJobQuery(stored.AssociatedJobID)
		if err != nil {
			return err
		}
		associated, err = scanJob(tx.QueryRow(ctx, sql, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			associated = nil
		} else if err != nil {
			return err
		}
	}
	if err := jobdb.CheckPilotAvailable(stored, associated, jobID); err != nil {
		return err
	}
	if stored.Version != pilot.Version {
		return errSwapLost
	}
	return nil
}

// swapPilot writes pilot inside tx after checkPilot has locked its row, returning the new version.
// A concurrent first insert of the same pilot loses the swap.
func (r *PostgresJobRepository) swapPilot(ctx *wmscontext.Context, tx pgx.Tx, pilot *jobdb.Pilot) (int64, error) {
	if pilot.Version == 0 {
		sql, args, err := insertPilotQuery(pilot)
		if err != nil {
			return 0, err
		}
		var version int64
		err = tx.QueryRow(ctx, sql, args...).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errSwapLost
		}
		return version, err
	}
	sql, args, err := updatePilotQuery(pilot)
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, errSwapLost
	}
	return pilot.Version + 1, nil
}

func (r *PostgresJobRepository) RescheduleJob(ctx *wmscontext.Context, job *jobdb.Job, entry jobdb.AtticEntry) (bool, error) {
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		ok, err := r.swapJob(ctx, tx, job, "")
		if err != nil {
			return err
		}
		if !ok {
			return errSwapLost
		}
		sql, args, err := insertAtticQuery(entry)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, sql, args...)
		return err
	})
	if errors.Is(err, errSwapLost) {
		return false, nil
	}
	if err != nil {
		return false, translateError("reschedule job", err)
	}
	job.Version++
	return true, nil
}

// swapJob runs the conditional update of job. A missing job is reported as ErrNotFound, a changed one as false.
func (r *PostgresJobRepository) swapJob(ctx *wmscontext.Context, db pgxtype.Querier, job *jobdb.Job, expectedStatus jobdb.JobStatus) (bool, error) {
	sql, args, err := updateJobQuery(job, expectedStatus)
	if err != nil {
		return false, err
	}
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetJob(ctx, job.JobID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PostgresJobRepository) DeleteJob(ctx *wmscontext.Context, jobID int64) error {
	sql, args, err := deleteJobQuery(jobID)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return translateError("delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return &wmserrors.ErrNotFound{Type: "job", Value: jobdb.FormatJobID(jobID)}
	}
	return nil
}

func (r *PostgresJobRepository) GetAttic(ctx *wmscontext.Context, jobID int64) ([]jobdb.AtticEntry, error) {
	sql, args, err := selectAtticQuery(jobID)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, translateError("read attic", err)
	}
	defer rows.Close()

	entries := make([]jobdb.AtticEntry, 0)
	for rows.Next() {
		entry, err := scanAtticEntry(rows)
		if err != nil {
			return nil, translateError("read attic", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("read attic", err)
	}
	return entries, nil
}

func (r *PostgresJobRepository) UpsertPilot(ctx *wmscontext.Context, pilot *jobdb.Pilot) error {
	sql, args, err := upsertPilotQuery(pilot)
	if err != nil {
		return err
	}
	var version int64
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&version); err != nil {
		return translateError("upsert pilot", err)
	}
	pilot.Version = version
	return nil
}

func (r *PostgresJobRepository) UpdatePilot(ctx *wmscontext.Context, pilot *jobdb.Pilot) (bool, error) {
	sql, args, err := updatePilotQuery(pilot)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, translateError("update pilot", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	pilot.Version++
	return true, nil
}

func (r *PostgresJobRepository) GetPilot(ctx *wmscontext.Context, pilotReference string) (*jobdb.Pilot, error) {
	sql, args, err := selectPilotQuery(pilotReference)
	if err != nil {
		return nil, err
	}
	pilot, err := scanPilot(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &wmserrors.ErrNotFound{Type: "pilot", Value: pilotReference}
	}
	if err != nil {
		return nil, translateError("read pilot", err)
	}
	return pilot, nil
}

func (r *PostgresJobRepository) GetPilotsByStatus(ctx *wmscontext.Context, statuses ...jobdb.PilotStatus) ([]*jobdb.Pilot, error) {
	if len(statuses) == 0 {
		return []*jobdb.Pilot{}, nil
	}
	sql, args, err := selectPilotsByStatusQuery(statuses)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, translateError("list pilots", err)
	}
	defer rows.Close()

	pilots := make([]*jobdb.Pilot, 0)
	for rows.Next() {
		pilot, err := scanPilot(rows)
		if err != nil {
			return nil, translateError("list pilots", err)
		}
		pilots = append(pilots, pilot)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("list pilots", err)
	}
	return pilots, nil
}

func (r *PostgresJobRepository) DeletePilot(ctx *wmscontext.Context, pilotReference string) error {
	sql, args, err := deletePilotQuery(pilotReference)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return translateError("delete pilot", err)
	}
	if tag.RowsAffected() == 0 {
		return &wmserrors.ErrNotFound{Type: "pilot", Value: pilotReference}
	}
	return nil
}

// translateError maps driver errors onto the error taxonomy. Errors that already have a kind pass through.
func translateError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return &wmserrors.ErrAlreadyExists{Type: pgErr.TableName, Message: pgErr.Detail}
	}
	return wmserrors.WrapPersistence(operation, err)
}

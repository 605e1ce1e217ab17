package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/history"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/pgerror"
)

const (
	runsTable      = "deploy_runs"
	instancesTable = "deploy_instances"

	maxSizeHint = 100
)

var (
	_ history.Recorder = (*Repository)(nil)
	_ history.Reader   = (*Repository)(nil)
)

var ErrRunExists = errors.New("deploy run already recorded")

//go:embed schema.sql
var schema string

var runColumns = []string{
	"id",
	"stack_id",
	"layer_id",
	"app_id",
	"status",
	"error",
	"started_at",
	"finished_at",
}

var instanceColumns = []string{
	"run_id",
	"position",
	"instance_id",
	"hostname",
	"deployment_id",
	"load_balancers",
	"status",
	"error",
}

type Repository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

func NewRepo(ctx context.Context, dsn string, logger zerolog.Logger) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{
		db:  pool,
		log: logger.With().Str("component", "history").Logger(),
	}, nil
}

func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to apply history schema: %w", err)
	}
	return nil
}

func (r *Repository) Close() {
	r.db.Close()
}

func (r *Repository) SaveRun(ctx context.Context, run history.Run) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.ReadCommitted,
	})
	if err != nil {
		return fmt.Errorf("failed to start history transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	sql, args, err := insertRunQuery(run).ToSql()
	if err != nil {
		return fmt.Errorf("failed to create db request: %w", err)
	}
	_, err = tx.Exec(ctx, sql, args...)
	if err != nil {
		constraint, ok := pgerror.ConstraintName(err)
		if ok && constraint == "deploy_runs_pkey" {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	if len(run.Instances) != 0 {
		sql, args, err = insertInstancesQuery(run).ToSql()
		if err != nil {
			return fmt.Errorf("failed to create db request: %w", err)
		}
		_, err = tx.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("failed to insert instance outcomes of run %s: %w", run.ID, err)
		}
	}

	err = tx.Commit(ctx)
	if err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}
	r.log.Debug().Msgf("recorded run %s with %d instance outcomes", run.ID, len(run.Instances))
	return nil
}

func (r *Repository) RecentRuns(ctx context.Context, layerID string, limit uint64) ([]history.Run, error) {
	sql, args, err := recentRunsQuery(layerID, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	runs := make([]history.Run, 0, sizeHint(limit))
	index := make(map[string]int, sizeHint(limit))
	for rows.Next() {
		run := history.Run{}
		err = rows.Scan(
			&run.ID,
			&run.StackID,
			&run.LayerID,
			&run.AppID,
			&run.Status,
			&run.Error,
			&run.StartedAt,
			&run.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		index[run.ID] = len(runs)
		runs = append(runs, run)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	if len(runs) == 0 {
		return runs, nil
	}

	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID)
	}
	sql, args, err = instancesQuery(ids).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}
	instRows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer instRows.Close()

	for instRows.Next() {
		var (
			runID   string
			outcome history.InstanceOutcome
		)
		err = instRows.Scan(
			&runID,
			&outcome.Position,
			&outcome.InstanceID,
			&outcome.Hostname,
			&outcome.DeploymentID,
			&outcome.LoadBalancers,
			&outcome.Status,
			&outcome.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance outcome: %w", err)
		}
		i, ok := index[runID]
		if !ok {
			continue
		}
		runs[i].Instances = append(runs[i].Instances, outcome)
	}
	if err = instRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read instance outcomes: %w", err)
	}
	return runs, nil
}

func insertRunQuery(run history.Run) squirrel.InsertBuilder {
	return squirrel.Insert(runsTable).
		Columns(runColumns...).
		Values(
			run.ID,
			run.StackID,
			run.LayerID,
			run.AppID,
			string(run.Status),
			run.Error,
			run.StartedAt,
			run.FinishedAt,
		).
		PlaceholderFormat(squirrel.Dollar)
}

func insertInstancesQuery(run history.Run) squirrel.InsertBuilder {
	q := squirrel.Insert(instancesTable).
		Columns(instanceColumns...).
		PlaceholderFormat(squirrel.Dollar)
	for _, inst := range run.Instances {
		lbs := inst.LoadBalancers
		if lbs == nil {
			lbs = []string{}
		}
		q = q.Values(
			run.ID,
			inst.Position,
			inst.InstanceID,
			inst.Hostname,
			inst.DeploymentID,
			lbs,
			inst.Status,
			inst.Error,
		)
	}
	return q
}

func recentRunsQuery(layerID string, limit uint64) squirrel.SelectBuilder {
	return squirrel.Select(runColumns...).
		From(runsTable).
		Where(squirrel.Eq{"layer_id": layerID}).
		OrderBy("started_at desc").
		Limit(limit).
		PlaceholderFormat(squirrel.Dollar)
}

func instancesQuery(runIDs []string) squirrel.SelectBuilder {
	return squirrel.Select(instanceColumns...).
		From(instancesTable).
		Where(squirrel.Eq{"run_id": runIDs}).
		OrderBy("run_id", "position").
		PlaceholderFormat(squirrel.Dollar)
}

// sizeHint bounds preallocation by a user supplied limit.
func sizeHint(limit uint64) int {
	return int(min(limit, maxSizeHint))
}

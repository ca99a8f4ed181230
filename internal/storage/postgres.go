package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/oriys/procflow/internal/domain"
)

// PostgresStore 是 Store 的 PostgreSQL 实现。
// 编排标志与 fiber 快照存 JSONB，upsert 一律走 ON CONFLICT。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 连接 PostgreSQL 并初始化表结构。
func NewPostgresStore(dsn string, maxConns int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	if maxConns <= 0 {
		maxConns = 20
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS programs (
		bytecode_version TEXT PRIMARY KEY,
		process_key      TEXT NOT NULL,
		source           TEXT NOT NULL,
		deployed_at      TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_programs_process ON programs(process_key, deployed_at);

	CREATE TABLE IF NOT EXISTS instances (
		id               TEXT PRIMARY KEY,
		process_key      TEXT NOT NULL,
		bytecode_version TEXT NOT NULL,
		payload          TEXT NOT NULL,
		payload_hash     TEXT NOT NULL,
		state            TEXT NOT NULL,
		cancel_reason    TEXT NOT NULL DEFAULT '',
		correlation_id   TEXT NOT NULL DEFAULT '',
		flags            JSONB,
		created_at       TIMESTAMPTZ NOT NULL,
		completed_at     TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_instances_process ON instances(process_key, created_at);
	CREATE INDEX IF NOT EXISTS idx_instances_state ON instances(state);

	CREATE TABLE IF NOT EXISTS runtime_states (
		instance_id TEXT PRIMARY KEY REFERENCES instances(id),
		snapshot    JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS process_jobs (
		job_key           TEXT PRIMARY KEY,
		instance_id       TEXT NOT NULL,
		task_type         TEXT NOT NULL,
		service_task_id   TEXT NOT NULL,
		fiber_id          BIGINT NOT NULL,
		payload           TEXT NOT NULL,
		payload_hash      TEXT NOT NULL,
		flags             JSONB,
		retries_remaining INT NOT NULL,
		state             TEXT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_open ON process_jobs(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_instance ON process_jobs(instance_id);

	CREATE TABLE IF NOT EXISTS incidents (
		id              TEXT PRIMARY KEY,
		instance_id     TEXT NOT NULL,
		service_task_id TEXT NOT NULL,
		fiber_id        BIGINT NOT NULL,
		message         TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		resolved_at     TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_open ON incidents(instance_id) WHERE resolved_at IS NULL;

	CREATE TABLE IF NOT EXISTS process_events (
		instance_id TEXT NOT NULL,
		seq         BIGINT NOT NULL,
		event_type  TEXT NOT NULL,
		payload     JSONB,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (instance_id, seq)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// SaveProgram 保存部署记录。
func (s *PostgresStore) SaveProgram(ctx context.Context, rec *ProgramRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO programs (bytecode_version, process_key, source, deployed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bytecode_version) DO NOTHING`,
		rec.Version, rec.ProcessKey, rec.Source, rec.DeployedAt)
	if err != nil {
		return fmt.Errorf("%w: save program: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// GetProgram 按版本获取部署记录。
func (s *PostgresStore) GetProgram(ctx context.Context, version string) (*ProgramRecord, error) {
	rec := &ProgramRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT bytecode_version, process_key, source, deployed_at
		FROM programs WHERE bytecode_version = $1`, version).
		Scan(&rec.Version, &rec.ProcessKey, &rec.Source, &rec.DeployedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownProgram
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get program: %v", domain.ErrStorageQuery, err)
	}
	return rec, nil
}

// ListPrograms 列出全部部署记录。
func (s *PostgresStore) ListPrograms(ctx context.Context) ([]*ProgramRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bytecode_version, process_key, source, deployed_at
		FROM programs ORDER BY deployed_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: list programs: %v", domain.ErrStorageQuery, err)
	}
	defer rows.Close()

	var out []*ProgramRecord
	for rows.Next() {
		rec := &ProgramRecord{}
		if err := rows.Scan(&rec.Version, &rec.ProcessKey, &rec.Source, &rec.DeployedAt); err != nil {
			return nil, fmt.Errorf("%w: scan program: %v", domain.ErrStorageQuery, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveInstance 保存实例。
func (s *PostgresStore) SaveInstance(ctx context.Context, inst *domain.Instance) error {
	flags, err := json.Marshal(inst.Flags)
	if err != nil {
		return fmt.Errorf("%w: encode flags: %v", domain.ErrStorageQuery, err)
	}
	var completedAt sql.NullTime
	if inst.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *inst.CompletedAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, process_key, bytecode_version, payload, payload_hash,
			state, cancel_reason, correlation_id, flags, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			payload = EXCLUDED.payload,
			payload_hash = EXCLUDED.payload_hash,
			state = EXCLUDED.state,
			cancel_reason = EXCLUDED.cancel_reason,
			flags = EXCLUDED.flags,
			completed_at = EXCLUDED.completed_at`,
		inst.ID, inst.ProcessKey, inst.BytecodeVersion, inst.Payload, inst.PayloadHash,
		inst.State, inst.CancelReason, inst.CorrelationID, flags, inst.CreatedAt, completedAt)
	if err != nil {
		return fmt.Errorf("%w: save instance: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// GetInstance 按标识获取实例。
func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, process_key, bytecode_version, payload, payload_hash,
			state, cancel_reason, correlation_id, flags, created_at, completed_at
		FROM instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownInstance
	}
	return inst, err
}

// ListInstances 列出实例。
func (s *PostgresStore) ListInstances(ctx context.Context, processKey string, limit int) ([]*domain.Instance, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, process_key, bytecode_version, payload, payload_hash,
			state, cancel_reason, correlation_id, flags, created_at, completed_at
		FROM instances
		WHERE ($1 = '' OR process_key = $1)
		ORDER BY created_at
		LIMIT $2`, processKey, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list instances: %v", domain.ErrStorageQuery, err)
	}
	defer rows.Close()

	var out []*domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// rowScanner 抽象 *sql.Row 与 *sql.Rows 的 Scan。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*domain.Instance, error) {
	inst := &domain.Instance{}
	var flags []byte
	var completedAt sql.NullTime
	err := row.Scan(&inst.ID, &inst.ProcessKey, &inst.BytecodeVersion, &inst.Payload, &inst.PayloadHash,
		&inst.State, &inst.CancelReason, &inst.CorrelationID, &flags, &inst.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan instance: %v", domain.ErrStorageQuery, err)
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &inst.Flags); err != nil {
			return nil, fmt.Errorf("%w: decode flags: %v", domain.ErrStorageQuery, err)
		}
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

// SaveRuntimeState 保存实例运行时快照。
func (s *PostgresStore) SaveRuntimeState(ctx context.Context, instanceID string, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_states (instance_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (instance_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		instanceID, snapshot)
	if err != nil {
		return fmt.Errorf("%w: save runtime state: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// GetRuntimeState 获取实例运行时快照。
func (s *PostgresStore) GetRuntimeState(ctx context.Context, instanceID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM runtime_states WHERE instance_id = $1`, instanceID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownInstance
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get runtime state: %v", domain.ErrStorageQuery, err)
	}
	return snapshot, nil
}

// SaveJob 保存任务。
func (s *PostgresStore) SaveJob(ctx context.Context, job *domain.Job) error {
	flags, err := json.Marshal(job.Flags)
	if err != nil {
		return fmt.Errorf("%w: encode flags: %v", domain.ErrStorageQuery, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_jobs (job_key, instance_id, task_type, service_task_id, fiber_id,
			payload, payload_hash, flags, retries_remaining, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_key) DO UPDATE SET
			retries_remaining = EXCLUDED.retries_remaining,
			state = EXCLUDED.state`,
		job.Key, job.InstanceID, job.TaskType, job.ServiceTaskID, job.FiberID,
		job.Payload, job.PayloadHash, flags, job.RetriesRemaining, job.State, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: save job: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// GetJob 按任务键获取任务。
func (s *PostgresStore) GetJob(ctx context.Context, key string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_key, instance_id, task_type, service_task_id, fiber_id,
			payload, payload_hash, flags, retries_remaining, state, created_at
		FROM process_jobs WHERE job_key = $1`, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownJob
	}
	return job, err
}

// ListOpenJobs 列出全部未决任务。
func (s *PostgresStore) ListOpenJobs(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_key, instance_id, task_type, service_task_id, fiber_id,
			payload, payload_hash, flags, retries_remaining, state, created_at
		FROM process_jobs WHERE state = $1 ORDER BY created_at`, domain.JobStateOpen)
	if err != nil {
		return nil, fmt.Errorf("%w: list open jobs: %v", domain.ErrStorageQuery, err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*domain.Job, error) {
	job := &domain.Job{}
	var flags []byte
	err := row.Scan(&job.Key, &job.InstanceID, &job.TaskType, &job.ServiceTaskID, &job.FiberID,
		&job.Payload, &job.PayloadHash, &flags, &job.RetriesRemaining, &job.State, &job.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan job: %v", domain.ErrStorageQuery, err)
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &job.Flags); err != nil {
			return nil, fmt.Errorf("%w: decode flags: %v", domain.ErrStorageQuery, err)
		}
	}
	return job, nil
}

// SaveIncident 保存故障单。
func (s *PostgresStore) SaveIncident(ctx context.Context, inc *domain.Incident) error {
	var resolvedAt sql.NullTime
	if inc.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *inc.ResolvedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, instance_id, service_task_id, fiber_id, message, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET resolved_at = EXCLUDED.resolved_at`,
		inc.ID, inc.InstanceID, inc.ServiceTaskID, inc.FiberID, inc.Message, inc.CreatedAt, resolvedAt)
	if err != nil {
		return fmt.Errorf("%w: save incident: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// GetIncident 按标识获取故障单。
func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	inc := &domain.Incident{}
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, instance_id, service_task_id, fiber_id, message, created_at, resolved_at
		FROM incidents WHERE id = $1`, id).
		Scan(&inc.ID, &inc.InstanceID, &inc.ServiceTaskID, &inc.FiberID, &inc.Message, &inc.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownIncident
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get incident: %v", domain.ErrStorageQuery, err)
	}
	if resolvedAt.Valid {
		inc.ResolvedAt = &resolvedAt.Time
	}
	return inc, nil
}

// ListOpenIncidents 列出未决故障单。
func (s *PostgresStore) ListOpenIncidents(ctx context.Context, instanceID string) ([]*domain.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, service_task_id, fiber_id, message, created_at
		FROM incidents
		WHERE resolved_at IS NULL AND ($1 = '' OR instance_id = $1)
		ORDER BY created_at`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: list incidents: %v", domain.ErrStorageQuery, err)
	}
	defer rows.Close()

	var out []*domain.Incident
	for rows.Next() {
		inc := &domain.Incident{}
		if err := rows.Scan(&inc.ID, &inc.InstanceID, &inc.ServiceTaskID, &inc.FiberID, &inc.Message, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan incident: %v", domain.ErrStorageQuery, err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// AppendEvent 追加事件。主键 (instance_id, seq) 保证无空洞序列不被重写。
func (s *PostgresStore) AppendEvent(ctx context.Context, ev *domain.Event) error {
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_events (instance_id, seq, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id, seq) DO NOTHING`,
		ev.InstanceID, ev.Seq, ev.Type, payload, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: append event: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// ListEvents 列出实例事件。
func (s *PostgresStore) ListEvents(ctx context.Context, instanceID string, fromSeq int64) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, seq, event_type, payload, created_at
		FROM process_events
		WHERE instance_id = $1 AND seq >= $2
		ORDER BY seq`, instanceID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %v", domain.ErrStorageQuery, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var payload []byte
		if err := rows.Scan(&ev.InstanceID, &ev.Seq, &ev.Type, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", domain.ErrStorageQuery, err)
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Ping 检查数据库连通性。
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *PostgresStore) Close() error { return s.db.Close() }

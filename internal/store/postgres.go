package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres implements GroupStore and EventStore over lib/pq.
//
// Layout:
//
//	scaling_group(tenant_id, group_id, config, launch, state, status,
//	              paused, desired, created_at)
//	group_policies(tenant_id, group_id, policy_id, policy, version)
//	scheduled_events(bucket, trigger_at, policy_id, tenant_id, group_id,
//	              cron, version) primary key (bucket, trigger_at, policy_id)
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens and pings the database.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Get(ctx context.Context, tenantID, groupID string) (*ScalingGroup, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT config, launch, state, status
		FROM scaling_group
		WHERE tenant_id = $1 AND group_id = $2`, tenantID, groupID)

	var configRaw, launchRaw, stateRaw []byte
	var status string
	if err := row.Scan(&configRaw, &launchRaw, &stateRaw, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSuchGroup
		}
		return nil, fmt.Errorf("store: load group %s/%s: %w", tenantID, groupID, err)
	}

	group := &ScalingGroup{
		TenantID: tenantID,
		GroupID:  groupID,
		State:    NewGroupState(),
		Status:   GroupStatus(status),
	}
	if err := json.Unmarshal(configRaw, &group.Config); err != nil {
		return nil, fmt.Errorf("store: decode group config: %w", err)
	}
	if err := json.Unmarshal(launchRaw, &group.Launch); err != nil {
		return nil, fmt.Errorf("store: decode launch config: %w", err)
	}
	if len(stateRaw) > 0 {
		if err := json.Unmarshal(stateRaw, group.State); err != nil {
			return nil, fmt.Errorf("store: decode group state: %w", err)
		}
	}
	return group, nil
}

func (p *Postgres) Policy(ctx context.Context, tenantID, groupID, policyID, version string) (*Policy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT policy, version
		FROM group_policies
		WHERE tenant_id = $1 AND group_id = $2 AND policy_id = $3`,
		tenantID, groupID, policyID)

	var policyRaw []byte
	var storedVersion string
	if err := row.Scan(&policyRaw, &storedVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSuchPolicy
		}
		return nil, fmt.Errorf("store: load policy %s: %w", policyID, err)
	}
	if version != "" && version != storedVersion {
		return nil, ErrStalePolicy
	}

	var policy Policy
	if err := json.Unmarshal(policyRaw, &policy); err != nil {
		return nil, fmt.Errorf("store: decode policy %s: %w", policyID, err)
	}
	policy.ID = policyID
	policy.Version = storedVersion
	return &policy, nil
}

func (p *Postgres) UpdateState(ctx context.Context, tenantID, groupID string, state *GroupState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: encode group state: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE scaling_group
		SET state = $3, paused = $4, desired = $5
		WHERE tenant_id = $1 AND group_id = $2`,
		tenantID, groupID, raw, state.Paused, state.Desired)
	if err != nil {
		return fmt.Errorf("store: update state %s/%s: %w", tenantID, groupID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchGroup
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]GroupRef, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tenant_id, group_id
		FROM scaling_group
		WHERE status <> 'DELETING'
		ORDER BY tenant_id, group_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	defer rows.Close()

	var refs []GroupRef
	for rows.Next() {
		var ref GroupRef
		if err := rows.Scan(&ref.TenantID, &ref.GroupID); err != nil {
			return nil, fmt.Errorf("store: scan group ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (p *Postgres) FetchAndDelete(ctx context.Context, bucket int, now time.Time, batch int) ([]ScheduledEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		DELETE FROM scheduled_events
		WHERE (bucket, trigger_at, policy_id) IN (
			SELECT bucket, trigger_at, policy_id
			FROM scheduled_events
			WHERE bucket = $1 AND trigger_at <= $2
			ORDER BY trigger_at, policy_id
			LIMIT $3
		)
		RETURNING tenant_id, group_id, policy_id, trigger_at, cron, version`,
		bucket, now.UTC(), batch)
	if err != nil {
		return nil, fmt.Errorf("store: fetch-and-delete bucket %d: %w", bucket, err)
	}
	defer rows.Close()

	var events []ScheduledEvent
	for rows.Next() {
		ev := ScheduledEvent{Bucket: bucket}
		var cron sql.NullString
		if err := rows.Scan(&ev.TenantID, &ev.GroupID, &ev.PolicyID, &ev.Trigger, &cron, &ev.Version); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.Cron = cron.String
		ev.Trigger = ev.Trigger.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The DELETE ... RETURNING order is not guaranteed; restore it.
	sortEvents(events)
	return events, nil
}

func (p *Postgres) Add(ctx context.Context, events []ScheduledEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin add events: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scheduled_events
			(bucket, trigger_at, policy_id, tenant_id, group_id, cron, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (bucket, trigger_at, policy_id) DO UPDATE
		SET tenant_id = EXCLUDED.tenant_id, group_id = EXCLUDED.group_id,
		    cron = EXCLUDED.cron, version = EXCLUDED.version`)
	if err != nil {
		return fmt.Errorf("store: prepare add events: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var cron sql.NullString
		if ev.Cron != "" {
			cron = sql.NullString{String: ev.Cron, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, ev.Bucket, ev.Trigger.UTC(), ev.PolicyID,
			ev.TenantID, ev.GroupID, cron, ev.Version); err != nil {
			return fmt.Errorf("store: insert event %s: %w", ev.PolicyID, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) Oldest(ctx context.Context, bucket int) (*ScheduledEvent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT tenant_id, group_id, policy_id, trigger_at, cron, version
		FROM scheduled_events
		WHERE bucket = $1
		ORDER BY trigger_at, policy_id
		LIMIT 1`, bucket)

	ev := ScheduledEvent{Bucket: bucket}
	var cron sql.NullString
	if err := row.Scan(&ev.TenantID, &ev.GroupID, &ev.PolicyID, &ev.Trigger, &cron, &ev.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: oldest event bucket %d: %w", bucket, err)
	}
	ev.Cron = cron.String
	ev.Trigger = ev.Trigger.UTC()
	return &ev, nil
}

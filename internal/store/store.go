// Package store is the SQLite repository behind the AEMOS core. It owns
// the schema, the append-only telemetry tables, and the interval-based
// device-state history.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aemos-iot/aemos-core/internal/model"
	"github.com/aemos-iot/aemos-core/internal/rulechain"
)

// Store wraps the database handle. Timestamps are stored as RFC 3339
// text so rows stay readable with the sqlite3 shell.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// New wraps an already-open handle and migrates the schema. Tests use
// this with the pure-Go driver.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sensors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		organization_id INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sensors_org ON sensors(organization_id);

	CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		organization_id INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_org ON devices(organization_id);

	CREATE TABLE IF NOT EXISTS telemetry_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sensor_id INTEGER NOT NULL,
		variable_name TEXT NOT NULL,
		datatype TEXT NOT NULL DEFAULT 'string',
		UNIQUE(sensor_id, variable_name),
		FOREIGN KEY (sensor_id) REFERENCES sensors(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS data_streams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		telemetry_data_id INTEGER NOT NULL,
		value TEXT NOT NULL,
		received_at TEXT NOT NULL,
		FOREIGN KEY (telemetry_data_id) REFERENCES telemetry_data(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_data_streams_latest ON data_streams(telemetry_data_id, received_at DESC);

	CREATE TABLE IF NOT EXISTS device_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL,
		state_name TEXT NOT NULL,
		UNIQUE(device_id, state_name),
		FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS device_state_instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_state_id INTEGER NOT NULL,
		value TEXT NOT NULL,
		from_timestamp TEXT NOT NULL,
		to_timestamp TEXT,
		initiated_by TEXT NOT NULL DEFAULT '',
		initiator_id TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (device_state_id) REFERENCES device_states(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_state_instances_open ON device_state_instances(device_state_id, to_timestamp);

	CREATE TABLE IF NOT EXISTS device_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL UNIQUE,
		sensor_id INTEGER NOT NULL,
		expires_at TEXT,
		last_used TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		FOREIGN KEY (sensor_id) REFERENCES sensors(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS rule_chains (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		organization_id INTEGER NOT NULL,
		schedule_enabled INTEGER NOT NULL DEFAULT 0,
		cron_expression TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT 'UTC',
		priority INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		retry_delay_ms INTEGER NOT NULL DEFAULT 0,
		schedule_metadata TEXT NOT NULL DEFAULT '',
		execution_type TEXT NOT NULL DEFAULT 'hybrid',
		last_executed_at TEXT,
		last_error_at TEXT,
		execution_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_rule_chains_org ON rule_chains(organization_id);

	CREATE TABLE IF NOT EXISTS rule_chain_nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_chain_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		config TEXT NOT NULL,
		next_node_id INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (rule_chain_id) REFERENCES rule_chains(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_rule_chain_nodes_chain ON rule_chain_nodes(rule_chain_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// CreateOrganization inserts an organization and returns its id.
func (s *Store) CreateOrganization(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO organizations (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("insert organization: %w", err)
	}
	return res.LastInsertId()
}

// CreateSensor inserts a sensor. A blank UUID gets a fresh one.
func (s *Store) CreateSensor(ctx context.Context, sensor model.Sensor) (model.Sensor, error) {
	if sensor.UUID == "" {
		sensor.UUID = model.NewUUID()
	}
	if sensor.Status == "" {
		sensor.Status = model.SensorActive
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sensors (uuid, name, status, organization_id)
		VALUES (?, ?, ?, ?)
	`, sensor.UUID, sensor.Name, string(sensor.Status), sensor.OrganizationID)
	if err != nil {
		return model.Sensor{}, fmt.Errorf("insert sensor: %w", err)
	}
	sensor.ID, _ = res.LastInsertId()
	return sensor, nil
}

// SensorByUUID fetches a sensor by its UUID. sql.ErrNoRows when absent.
func (s *Store) SensorByUUID(ctx context.Context, uuid string) (model.Sensor, error) {
	var sn model.Sensor
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, name, status, organization_id FROM sensors WHERE uuid = ?
	`, uuid).Scan(&sn.ID, &sn.UUID, &sn.Name, &status, &sn.OrganizationID)
	if err != nil {
		return model.Sensor{}, err
	}
	sn.Status = model.SensorStatus(status)
	return sn, nil
}

// UpdateSensorStatus writes a sensor's lifecycle status.
func (s *Store) UpdateSensorStatus(ctx context.Context, uuid string, status model.SensorStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sensors SET status = ? WHERE uuid = ?`, string(status), uuid)
	if err != nil {
		return fmt.Errorf("update sensor status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateDevice inserts a device. A blank UUID gets a fresh one.
func (s *Store) CreateDevice(ctx context.Context, device model.Device) (model.Device, error) {
	if device.UUID == "" {
		device.UUID = model.NewUUID()
	}
	if device.Status == "" {
		device.Status = "active"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (uuid, name, status, organization_id)
		VALUES (?, ?, ?, ?)
	`, device.UUID, device.Name, device.Status, device.OrganizationID)
	if err != nil {
		return model.Device{}, fmt.Errorf("insert device: %w", err)
	}
	device.ID, _ = res.LastInsertId()
	return device, nil
}

// DeviceByUUID fetches a device by its UUID. sql.ErrNoRows when absent.
func (s *Store) DeviceByUUID(ctx context.Context, uuid string) (model.Device, error) {
	var d model.Device
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, name, status, organization_id FROM devices WHERE uuid = ?
	`, uuid).Scan(&d.ID, &d.UUID, &d.Name, &d.Status, &d.OrganizationID)
	return d, err
}

// EnsureTelemetryData returns the channel id for (sensor, variable),
// creating the declaration on first use.
func (s *Store) EnsureTelemetryData(ctx context.Context, sensorID int64, variable string, datatype model.Datatype) (int64, error) {
	if datatype == "" {
		datatype = model.DatatypeString
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO telemetry_data (sensor_id, variable_name, datatype)
		VALUES (?, ?, ?)
	`, sensorID, variable, string(datatype))
	if err != nil {
		return 0, fmt.Errorf("ensure telemetry channel: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM telemetry_data WHERE sensor_id = ? AND variable_name = ?
	`, sensorID, variable).Scan(&id)
	return id, err
}

// AppendDataStream appends one reading to a telemetry channel.
func (s *Store) AppendDataStream(ctx context.Context, telemetryDataID int64, value string, receivedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO data_streams (telemetry_data_id, value, received_at)
		VALUES (?, ?, ?)
	`, telemetryDataID, value, fmtTime(receivedAt))
	if err != nil {
		return 0, fmt.Errorf("append data stream: %w", err)
	}
	return res.LastInsertId()
}

// coerce converts a stored text value per its channel's datatype.
func coerce(value string, datatype model.Datatype) any {
	switch datatype {
	case model.DatatypeNumber:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case model.DatatypeBoolean:
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return value
}

// LatestSensorValue returns the newest reading on a sensor's channel,
// coerced per the channel's datatype. rulechain.ErrNoValue when the
// channel has no rows.
func (s *Store) LatestSensorValue(ctx context.Context, sensorUUID, key string) (rulechain.Value, error) {
	var value, receivedAt, datatype string
	err := s.db.QueryRowContext(ctx, `
		SELECT ds.value, ds.received_at, td.datatype
		FROM data_streams ds
		JOIN telemetry_data td ON td.id = ds.telemetry_data_id
		JOIN sensors sn ON sn.id = td.sensor_id
		WHERE sn.uuid = ? AND td.variable_name = ?
		ORDER BY ds.received_at DESC, ds.id DESC
		LIMIT 1
	`, sensorUUID, key).Scan(&value, &receivedAt, &datatype)
	if err == sql.ErrNoRows {
		return rulechain.Value{}, rulechain.ErrNoValue
	}
	if err != nil {
		return rulechain.Value{}, err
	}
	return rulechain.Value{
		Data:      coerce(value, model.Datatype(datatype)),
		Timestamp: parseTime(receivedAt),
	}, nil
}

// LatestDeviceState returns the open instance of a device state. The
// timestamp is the interval start, which is what the temporal operators
// compare against. rulechain.ErrNoValue when no instance is open.
func (s *Store) LatestDeviceState(ctx context.Context, deviceUUID, stateName string) (rulechain.Value, error) {
	var value, from string
	err := s.db.QueryRowContext(ctx, `
		SELECT dsi.value, dsi.from_timestamp
		FROM device_state_instances dsi
		JOIN device_states dst ON dst.id = dsi.device_state_id
		JOIN devices d ON d.id = dst.device_id
		WHERE d.uuid = ? AND dst.state_name = ? AND dsi.to_timestamp IS NULL
		LIMIT 1
	`, deviceUUID, stateName).Scan(&value, &from)
	if err == sql.ErrNoRows {
		return rulechain.Value{}, rulechain.ErrNoValue
	}
	if err != nil {
		return rulechain.Value{}, err
	}
	return rulechain.Value{Data: value, Timestamp: parseTime(from)}, nil
}

// EnsureDeviceState returns the declaration id for (device, stateName),
// creating it on first use.
func (s *Store) EnsureDeviceState(ctx context.Context, deviceID int64, stateName string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO device_states (device_id, state_name) VALUES (?, ?)
	`, deviceID, stateName)
	if err != nil {
		return 0, fmt.Errorf("ensure device state: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM device_states WHERE device_id = ? AND state_name = ?
	`, deviceID, stateName).Scan(&id)
	return id, err
}

// CreateStateInstance closes the open interval of a device state and
// opens a new one, in a single transaction. The state declaration is
// created on first write. At most one instance per state ever has a
// NULL to_timestamp.
func (s *Store) CreateStateInstance(ctx context.Context, deviceUUID, stateName, value, initiatedBy, initiatorID string, at time.Time) (model.DeviceStateInstance, error) {
	device, err := s.DeviceByUUID(ctx, deviceUUID)
	if err != nil {
		return model.DeviceStateInstance{}, fmt.Errorf("resolve device %s: %w", deviceUUID, err)
	}
	stateID, err := s.EnsureDeviceState(ctx, device.ID, stateName)
	if err != nil {
		return model.DeviceStateInstance{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.DeviceStateInstance{}, err
	}
	defer func() { _ = tx.Rollback() }()

	ts := fmtTime(at)
	_, err = tx.ExecContext(ctx, `
		UPDATE device_state_instances
		SET to_timestamp = ?
		WHERE device_state_id = ? AND to_timestamp IS NULL
	`, ts, stateID)
	if err != nil {
		return model.DeviceStateInstance{}, fmt.Errorf("close state interval: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO device_state_instances (device_state_id, value, from_timestamp, initiated_by, initiator_id)
		VALUES (?, ?, ?, ?, ?)
	`, stateID, value, ts, initiatedBy, initiatorID)
	if err != nil {
		return model.DeviceStateInstance{}, fmt.Errorf("open state interval: %w", err)
	}
	id, _ := res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return model.DeviceStateInstance{}, err
	}

	return model.DeviceStateInstance{
		ID:            id,
		DeviceStateID: stateID,
		Value:         value,
		FromTimestamp: at.UTC(),
		InitiatedBy:   initiatedBy,
		InitiatorID:   initiatorID,
	}, nil
}

// OpenStateInstance returns the current (open) instance of a device
// state. sql.ErrNoRows when none is open.
func (s *Store) OpenStateInstance(ctx context.Context, deviceUUID, stateName string) (model.DeviceStateInstance, error) {
	var inst model.DeviceStateInstance
	var from string
	var to sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT dsi.id, dsi.device_state_id, dsi.value, dsi.from_timestamp, dsi.to_timestamp,
		       dsi.initiated_by, dsi.initiator_id
		FROM device_state_instances dsi
		JOIN device_states dst ON dst.id = dsi.device_state_id
		JOIN devices d ON d.id = dst.device_id
		WHERE d.uuid = ? AND dst.state_name = ? AND dsi.to_timestamp IS NULL
		LIMIT 1
	`, deviceUUID, stateName).Scan(&inst.ID, &inst.DeviceStateID, &inst.Value, &from, &to,
		&inst.InitiatedBy, &inst.InitiatorID)
	if err != nil {
		return model.DeviceStateInstance{}, err
	}
	inst.FromTimestamp = parseTime(from)
	inst.ToTimestamp = scanNullTime(to)
	return inst, nil
}

// StateInstanceCount returns how many instances (open and closed) a
// device state has accumulated.
func (s *Store) StateInstanceCount(ctx context.Context, deviceUUID, stateName string) (open, total int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(CASE WHEN dsi.to_timestamp IS NULL THEN 1 END), COUNT(*)
		FROM device_state_instances dsi
		JOIN device_states dst ON dst.id = dsi.device_state_id
		JOIN devices d ON d.id = dst.device_id
		WHERE d.uuid = ? AND dst.state_name = ?
	`, deviceUUID, stateName).Scan(&open, &total)
	return open, total, err
}

// CreateToken inserts a device token.
func (s *Store) CreateToken(ctx context.Context, tok model.DeviceToken) (model.DeviceToken, error) {
	if tok.Status == "" {
		tok.Status = model.TokenActive
	}
	var expires any
	if tok.ExpiresAt != nil {
		expires = fmtTime(*tok.ExpiresAt)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_tokens (token, sensor_id, expires_at, status)
		VALUES (?, ?, ?, ?)
	`, tok.Token, tok.SensorID, expires, string(tok.Status))
	if err != nil {
		return model.DeviceToken{}, fmt.Errorf("insert token: %w", err)
	}
	tok.ID, _ = res.LastInsertId()
	return tok, nil
}

// TokenWithSensor is a token joined with the sensor it authenticates.
type TokenWithSensor struct {
	Token  model.DeviceToken
	Sensor model.Sensor
}

// TokenByValue fetches a token and its sensor in one query. The caller
// decides validity; this just reads the rows. sql.ErrNoRows when the
// token does not exist.
func (s *Store) TokenByValue(ctx context.Context, token string) (TokenWithSensor, error) {
	var tw TokenWithSensor
	var expires, lastUsed sql.NullString
	var tokStatus, snStatus string
	err := s.db.QueryRowContext(ctx, `
		SELECT dt.id, dt.token, dt.sensor_id, dt.expires_at, dt.last_used, dt.status,
		       sn.id, sn.uuid, sn.name, sn.status, sn.organization_id
		FROM device_tokens dt
		JOIN sensors sn ON sn.id = dt.sensor_id
		WHERE dt.token = ?
	`, token).Scan(
		&tw.Token.ID, &tw.Token.Token, &tw.Token.SensorID, &expires, &lastUsed, &tokStatus,
		&tw.Sensor.ID, &tw.Sensor.UUID, &tw.Sensor.Name, &snStatus, &tw.Sensor.OrganizationID,
	)
	if err != nil {
		return TokenWithSensor{}, err
	}
	tw.Token.ExpiresAt = scanNullTime(expires)
	tw.Token.LastUsed = scanNullTime(lastUsed)
	tw.Token.Status = model.TokenStatus(tokStatus)
	tw.Sensor.Status = model.SensorStatus(snStatus)
	return tw, nil
}

// TouchTokenLastUsed records when a token last authenticated. Called
// asynchronously off the hot path; failures are the caller's to log,
// not to fail the message over.
func (s *Store) TouchTokenLastUsed(ctx context.Context, token string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_tokens SET last_used = ? WHERE token = ?
	`, fmtTime(at), token)
	return err
}

// MarkTokenExpired flips a token whose expiry has passed.
func (s *Store) MarkTokenExpired(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_tokens SET status = 'expired' WHERE token = ?
	`, token)
	return err
}

// CreateRuleChain inserts a chain and returns it with its id.
func (s *Store) CreateRuleChain(ctx context.Context, rc model.RuleChain) (model.RuleChain, error) {
	if rc.Timezone == "" {
		rc.Timezone = "UTC"
	}
	if rc.ExecutionType == "" {
		rc.ExecutionType = model.ExecutionHybrid
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_chains (name, organization_id, schedule_enabled, cron_expression,
			timezone, priority, max_retries, retry_delay_ms, schedule_metadata, execution_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rc.Name, rc.OrganizationID, rc.ScheduleEnabled, rc.CronExpression,
		rc.Timezone, rc.Priority, rc.MaxRetries, rc.RetryDelayMs, rc.ScheduleMetadata, string(rc.ExecutionType))
	if err != nil {
		return model.RuleChain{}, fmt.Errorf("insert rule chain: %w", err)
	}
	rc.ID, _ = res.LastInsertId()
	return rc, nil
}

// CreateRuleChainNode inserts a node.
func (s *Store) CreateRuleChainNode(ctx context.Context, n model.RuleChainNode) (model.RuleChainNode, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_chain_nodes (rule_chain_id, name, type, config, next_node_id)
		VALUES (?, ?, ?, ?, ?)
	`, n.RuleChainID, n.Name, string(n.Type), n.Config, n.NextNodeID)
	if err != nil {
		return model.RuleChainNode{}, fmt.Errorf("insert rule chain node: %w", err)
	}
	n.ID, _ = res.LastInsertId()
	return n, nil
}

func scanRuleChain(scan func(dest ...any) error) (model.RuleChain, error) {
	var rc model.RuleChain
	var execType string
	var lastExec, lastErr sql.NullString
	err := scan(&rc.ID, &rc.Name, &rc.OrganizationID, &rc.ScheduleEnabled, &rc.CronExpression,
		&rc.Timezone, &rc.Priority, &rc.MaxRetries, &rc.RetryDelayMs, &rc.ScheduleMetadata,
		&execType, &lastExec, &lastErr, &rc.ExecutionCount, &rc.FailureCount)
	if err != nil {
		return model.RuleChain{}, err
	}
	rc.ExecutionType = model.ExecutionType(execType)
	rc.LastExecutedAt = scanNullTime(lastExec)
	rc.LastErrorAt = scanNullTime(lastErr)
	return rc, nil
}

const ruleChainColumns = `id, name, organization_id, schedule_enabled, cron_expression,
	timezone, priority, max_retries, retry_delay_ms, schedule_metadata,
	execution_type, last_executed_at, last_error_at, execution_count, failure_count`

// RuleChain fetches one chain by id.
func (s *Store) RuleChain(ctx context.Context, id int64) (model.RuleChain, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleChainColumns+` FROM rule_chains WHERE id = ?`, id)
	return scanRuleChain(row.Scan)
}

// RuleChains lists every chain.
func (s *Store) RuleChains(ctx context.Context) ([]model.RuleChain, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleChainColumns+` FROM rule_chains ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []model.RuleChain
	for rows.Next() {
		rc, err := scanRuleChain(rows.Scan)
		if err != nil {
			return nil, err
		}
		chains = append(chains, rc)
	}
	return chains, rows.Err()
}

// ScheduledRuleChains lists chains with scheduling enabled, the set the
// schedule manager reconciles against.
func (s *Store) ScheduledRuleChains(ctx context.Context) ([]model.RuleChain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleChainColumns+` FROM rule_chains
		WHERE schedule_enabled = 1 AND cron_expression != ''
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []model.RuleChain
	for rows.Next() {
		rc, err := scanRuleChain(rows.Scan)
		if err != nil {
			return nil, err
		}
		chains = append(chains, rc)
	}
	return chains, rows.Err()
}

// RuleChainNodes lists a chain's nodes in insertion order.
func (s *Store) RuleChainNodes(ctx context.Context, chainID int64) ([]model.RuleChainNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_chain_id, name, type, config, next_node_id
		FROM rule_chain_nodes WHERE rule_chain_id = ? ORDER BY id
	`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []model.RuleChainNode
	for rows.Next() {
		var n model.RuleChainNode
		var nodeType string
		if err := rows.Scan(&n.ID, &n.RuleChainID, &n.Name, &nodeType, &n.Config, &n.NextNodeID); err != nil {
			return nil, err
		}
		n.Type = model.NodeType(nodeType)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// UpdateChainSchedule writes the scheduling columns of a chain. The
// schedule manager picks the change up on its next sync.
func (s *Store) UpdateChainSchedule(ctx context.Context, id int64, enabled bool, cronExpr, timezone string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rule_chains SET schedule_enabled = ?, cron_expression = ?, timezone = ?
		WHERE id = ?
	`, enabled, cronExpr, timezone, id)
	if err != nil {
		return fmt.Errorf("update chain schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteRuleChain removes a chain and its nodes.
func (s *Store) DeleteRuleChain(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_chain_nodes WHERE rule_chain_id = ?`, id); err != nil {
		return fmt.Errorf("delete rule chain nodes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM rule_chains WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule chain: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// RecordChainExecution updates a chain's run statistics after one
// execution attempt.
func (s *Store) RecordChainExecution(ctx context.Context, id int64, ok bool, at time.Time) error {
	if ok {
		_, err := s.db.ExecContext(ctx, `
			UPDATE rule_chains
			SET execution_count = execution_count + 1, last_executed_at = ?
			WHERE id = ?
		`, fmtTime(at), id)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE rule_chains
		SET execution_count = execution_count + 1, failure_count = failure_count + 1,
		    last_executed_at = ?, last_error_at = ?
		WHERE id = ?
	`, fmtTime(at), fmtTime(at), id)
	return err
}

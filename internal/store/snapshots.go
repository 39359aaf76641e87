package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/registry"
)

// Store operation names used in metrics and logs.
const (
	OpSave   = "save"
	OpLoad   = "load"
	OpList   = "list"
	OpDelete = "delete"
	OpPrune  = "prune"
)

// SnapshotInfo describes a stored snapshot without its content.
type SnapshotInfo struct {
	ID          string    `db:"id" json:"id" yaml:"id"`
	Name        string    `db:"name" json:"name" yaml:"name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at" yaml:"created_at"`
	HostCounter int       `db:"host_counter" json:"host_counter" yaml:"host_counter"`
	HostCount   int       `db:"host_count" json:"host_count" yaml:"host_count"`
}

// Snapshot is a stored registry plus the transcript it was taken with.
type Snapshot struct {
	SnapshotInfo
	Registry   registry.Snapshot `json:"registry"`
	Transcript string            `json:"transcript"`
}

type snapshotRow struct {
	SnapshotInfo
	Transcript string `db:"transcript"`
}

type hostRow struct {
	SnapshotID string `db:"snapshot_id"`
	HostID     string `db:"host_id"`
	IP         string `db:"ip"`
	Hostname   string `db:"hostname"`
	Network    string `db:"network"`
	OSName     string `db:"os_name"`
	OSTag      string `db:"os_tag"`
	Notes      string `db:"notes"`
	RawOutput  string `db:"raw_output"`
}

type portRow struct {
	SnapshotID string `db:"snapshot_id"`
	HostID     string `db:"host_id"`
	Position   int    `db:"position"`
	inventory.Port
}

type networkRow struct {
	SnapshotID string `db:"snapshot_id"`
	NetworkID  string `db:"network_id"`
	Position   int    `db:"position"`
	HostID     string `db:"host_id"`
}

const (
	insertSnapshotQuery = `
		INSERT INTO snapshots (id, name, created_at, host_counter, host_count, transcript)
		VALUES (:id, :name, :created_at, :host_counter, :host_count, :transcript)`
	insertHostQuery = `
		INSERT INTO snapshot_hosts (snapshot_id, host_id, ip, hostname, network, os_name, os_tag, notes, raw_output)
		VALUES (:snapshot_id, :host_id, :ip, :hostname, :network, :os_name, :os_tag, :notes, :raw_output)`
	insertPortQuery = `
		INSERT INTO snapshot_ports (snapshot_id, host_id, position, number, protocol, state, service, version, raw)
		VALUES (:snapshot_id, :host_id, :position, :number, :protocol, :state, :service, :version, :raw)`
	insertNetworkQuery = `
		INSERT INTO snapshot_networks (snapshot_id, network_id, position, host_id)
		VALUES (:snapshot_id, :network_id, :position, :host_id)`
)

// Save stores snap and transcript under name and returns the new snapshot's
// description. The whole snapshot is written in one transaction.
func (s *Store) Save(ctx context.Context, name string, snap registry.Snapshot, transcript string) (info *SnapshotInfo, err error) {
	start := time.Now()
	defer func() { s.observe(OpSave, start, err) }()

	if name == "" {
		return nil, errors.NewConfigFieldError(errors.CodeValidation, "snapshot name is required", "name", name)
	}

	row := snapshotRow{
		SnapshotInfo: SnapshotInfo{
			ID:          uuid.NewString(),
			Name:        name,
			CreatedAt:   time.Now().UTC(),
			HostCounter: snap.Counter,
			HostCount:   len(snap.Hosts),
		},
		Transcript: transcript,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, sanitizeDBError("begin save", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, insertSnapshotQuery, row); err != nil {
		return nil, sanitizeDBError("insert snapshot", err)
	}
	if err := insertHosts(ctx, tx, row.ID, snap.Hosts); err != nil {
		return nil, err
	}
	if err := insertNetworks(ctx, tx, row.ID, snap.Networks); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, sanitizeDBError("commit save", err)
	}

	s.logger.InfoStore("Snapshot saved", "snapshot", row.ID, "name", name, "hosts", row.HostCount)
	return &row.SnapshotInfo, nil
}

func insertHosts(ctx context.Context, tx *sqlx.Tx, snapshotID string, hosts map[string]*inventory.Host) error {
	for id, h := range hosts {
		if h == nil {
			continue
		}
		hr := hostRow{
			SnapshotID: snapshotID,
			HostID:     id,
			IP:         h.IP,
			Hostname:   h.Hostname,
			Network:    h.Network,
			OSName:     h.OSName,
			OSTag:      string(h.OSTag),
			Notes:      h.Notes,
			RawOutput:  h.RawOutput,
		}
		if _, err := tx.NamedExecContext(ctx, insertHostQuery, hr); err != nil {
			return sanitizeDBError("insert host", err)
		}
		for i, p := range h.Ports {
			pr := portRow{SnapshotID: snapshotID, HostID: id, Position: i, Port: p}
			if _, err := tx.NamedExecContext(ctx, insertPortQuery, pr); err != nil {
				return sanitizeDBError("insert port", err)
			}
		}
	}
	return nil
}

func insertNetworks(ctx context.Context, tx *sqlx.Tx, snapshotID string, networks map[string][]string) error {
	for network, members := range networks {
		for i, hostID := range members {
			nr := networkRow{SnapshotID: snapshotID, NetworkID: network, Position: i, HostID: hostID}
			if _, err := tx.NamedExecContext(ctx, insertNetworkQuery, nr); err != nil {
				return sanitizeDBError("insert network", err)
			}
		}
	}
	return nil
}

// Load reads the snapshot with the given id.
func (s *Store) Load(ctx context.Context, id string) (snap *Snapshot, err error) {
	start := time.Now()
	defer func() { s.observe(OpLoad, start, err) }()

	var row snapshotRow
	query := s.db.Rebind(`SELECT id, name, created_at, host_counter, host_count, transcript FROM snapshots WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, sanitizeDBError("get snapshot", err)
	}
	return s.loadContent(ctx, row)
}

// Latest reads the most recent snapshot with the given name, or the most
// recent snapshot of any name when name is empty.
func (s *Store) Latest(ctx context.Context, name string) (snap *Snapshot, err error) {
	start := time.Now()
	defer func() { s.observe(OpLoad, start, err) }()

	var row snapshotRow
	query := `SELECT id, name, created_at, host_counter, host_count, transcript FROM snapshots`
	args := []any{}
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), args...); err != nil {
		return nil, sanitizeDBError("get latest snapshot", err)
	}
	return s.loadContent(ctx, row)
}

func (s *Store) loadContent(ctx context.Context, row snapshotRow) (*Snapshot, error) {
	var hosts []hostRow
	query := s.db.Rebind(`
		SELECT snapshot_id, host_id, ip, hostname, network, os_name, os_tag, notes, raw_output
		FROM snapshot_hosts WHERE snapshot_id = ? ORDER BY host_id`)
	if err := s.db.SelectContext(ctx, &hosts, query, row.ID); err != nil {
		return nil, sanitizeDBError("select hosts", err)
	}

	var ports []portRow
	query = s.db.Rebind(`
		SELECT snapshot_id, host_id, position, number, protocol, state, service, version, raw
		FROM snapshot_ports WHERE snapshot_id = ? ORDER BY host_id, position`)
	if err := s.db.SelectContext(ctx, &ports, query, row.ID); err != nil {
		return nil, sanitizeDBError("select ports", err)
	}

	var networks []networkRow
	query = s.db.Rebind(`
		SELECT snapshot_id, network_id, position, host_id
		FROM snapshot_networks WHERE snapshot_id = ? ORDER BY network_id, position`)
	if err := s.db.SelectContext(ctx, &networks, query, row.ID); err != nil {
		return nil, sanitizeDBError("select networks", err)
	}

	snap := &Snapshot{
		SnapshotInfo: row.SnapshotInfo,
		Transcript:   row.Transcript,
		Registry: registry.Snapshot{
			Hosts:    make(map[string]*inventory.Host, len(hosts)),
			Networks: make(map[string][]string),
			Counter:  row.HostCounter,
		},
	}
	for _, hr := range hosts {
		snap.Registry.Hosts[hr.HostID] = &inventory.Host{
			ID:        hr.HostID,
			IP:        hr.IP,
			Hostname:  hr.Hostname,
			Ports:     []inventory.Port{},
			RawOutput: hr.RawOutput,
			Network:   hr.Network,
			OSName:    hr.OSName,
			OSTag:     inventory.OSTag(hr.OSTag),
			Notes:     hr.Notes,
		}
	}
	for _, pr := range ports {
		if h, ok := snap.Registry.Hosts[pr.HostID]; ok {
			h.Ports = append(h.Ports, pr.Port)
		}
	}
	for _, nr := range networks {
		snap.Registry.Networks[nr.NetworkID] = append(snap.Registry.Networks[nr.NetworkID], nr.HostID)
	}
	return snap, nil
}

// List returns snapshot descriptions, newest first. A limit of zero or less
// returns every snapshot.
func (s *Store) List(ctx context.Context, limit int) (infos []SnapshotInfo, err error) {
	start := time.Now()
	defer func() { s.observe(OpList, start, err) }()

	query := `SELECT id, name, created_at, host_counter, host_count FROM snapshots ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	infos = []SnapshotInfo{}
	if err := s.db.SelectContext(ctx, &infos, s.db.Rebind(query), args...); err != nil {
		return nil, sanitizeDBError("list snapshots", err)
	}
	return infos, nil
}

// Delete removes a snapshot and its content.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { s.observe(OpDelete, start, err) }()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteSnapshot(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit delete", err)
	}
	return nil
}

func deleteSnapshot(ctx context.Context, tx *sqlx.Tx, id string) error {
	for _, table := range []string{"snapshot_ports", "snapshot_networks", "snapshot_hosts"} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+table+` WHERE snapshot_id = ?`), id); err != nil {
			return sanitizeDBError("delete "+table, err)
		}
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM snapshots WHERE id = ?`), id)
	if err != nil {
		return sanitizeDBError("delete snapshot", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &errors.NotFoundError{Kind: "snapshot", ID: id}
	}
	return nil
}

// Prune deletes all but the newest keep snapshots with the given name and
// returns the number removed.
func (s *Store) Prune(ctx context.Context, name string, keep int) (removed int, err error) {
	start := time.Now()
	defer func() { s.observe(OpPrune, start, err) }()

	if keep < 0 {
		keep = 0
	}

	var ids []string
	query := s.db.Rebind(`SELECT id FROM snapshots WHERE name = ? ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &ids, query, name); err != nil {
		return 0, sanitizeDBError("select prune candidates", err)
	}
	if len(ids) <= keep {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, sanitizeDBError("begin prune", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids[keep:] {
		if err := deleteSnapshot(ctx, tx, id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, sanitizeDBError("commit prune", err)
	}
	return len(ids) - keep, nil
}

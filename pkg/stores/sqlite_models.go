package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mqfleet/mqfleet/pkg/models"
)

// CreateCluster inserts a cluster record.
func (s *SQLiteStore) CreateCluster(ctx context.Context, c *models.Cluster) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.StatusBuilding
	}
	now := s.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	query := `
		INSERT INTO clusters (id, project_id, name, network_id, flavor, image, size, volume_size,
			status, group_id, error_detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.ProjectID, c.Name, c.NetworkID, c.Flavor, c.Image, c.Size, c.VolumeSize,
		string(c.Status), c.GroupID, c.ErrorDetail, toUnix(now), toUnix(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	return nil
}

const clusterColumns = `id, project_id, name, network_id, flavor, image, size, volume_size,
	status, group_id, error_detail, created_at, updated_at`

// GetCluster retrieves a cluster by ID.
func (s *SQLiteStore) GetCluster(ctx context.Context, id string) (*models.Cluster, error) {
	c, err := scanCluster(s.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: cluster %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	return c, nil
}

// UpdateCluster applies the non-nil fields of u.
func (s *SQLiteStore) UpdateCluster(ctx context.Context, id string, u models.ClusterUpdate) error {
	var (
		sets []string
		args []any
	)
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.GroupID != nil {
		sets = append(sets, "group_id = ?")
		args = append(args, *u.GroupID)
	}
	if u.ErrorDetail != nil {
		sets = append(sets, "error_detail = ?")
		args = append(args, *u.ErrorDetail)
	}
	return s.update(ctx, "clusters", "cluster", id, sets, args)
}

// ListClusters returns clusters, optionally restricted to statuses.
func (s *SQLiteStore) ListClusters(ctx context.Context, statuses ...models.Status) ([]*models.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	var out []*models.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCluster(row rowScanner) (*models.Cluster, error) {
	var (
		c            models.Cluster
		status       string
		created, upd sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.ProjectID, &c.Name, &c.NetworkID, &c.Flavor, &c.Image, &c.Size,
		&c.VolumeSize, &status, &c.GroupID, &c.ErrorDetail, &created, &upd)
	if err != nil {
		return nil, err
	}
	c.Status = models.Status(status)
	c.CreatedAt = fromUnix(created)
	c.UpdatedAt = fromUnix(upd)
	return &c, nil
}

// CreateNode inserts a node record.
func (s *SQLiteStore) CreateNode(ctx context.Context, n *models.Node) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = models.StatusBuilding
	}
	now := s.now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, cluster_id, instance_id, flavor, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.ClusterID, n.InstanceID, n.Flavor, string(n.Status), toUnix(now), toUnix(now))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

const nodeColumns = `id, cluster_id, instance_id, flavor, status, created_at, updated_at`

// GetNode retrieves a node by ID.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

// UpdateNode applies the non-nil fields of u.
func (s *SQLiteStore) UpdateNode(ctx context.Context, id string, u models.NodeUpdate) error {
	var (
		sets []string
		args []any
	)
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.InstanceID != nil {
		sets = append(sets, "instance_id = ?")
		args = append(args, *u.InstanceID)
	}
	return s.update(ctx, "nodes", "node", id, sets, args)
}

// ListNodes returns the nodes of a cluster.
func (s *SQLiteStore) ListNodes(ctx context.Context, clusterID string) ([]*models.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE cluster_id = ? ORDER BY created_at, id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNode(row rowScanner) (*models.Node, error) {
	var (
		n            models.Node
		status       string
		created, upd sql.NullInt64
	)
	if err := row.Scan(&n.ID, &n.ClusterID, &n.InstanceID, &n.Flavor, &status, &created, &upd); err != nil {
		return nil, err
	}
	n.Status = models.Status(status)
	n.CreatedAt = fromUnix(created)
	n.UpdatedAt = fromUnix(upd)
	return &n, nil
}

// CreateEndpoint inserts an endpoint record.
func (s *SQLiteStore) CreateEndpoint(ctx context.Context, e *models.Endpoint) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (id, node_id, uri, type, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.NodeID, e.URI, e.Type, e.Deleted, toUnix(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create endpoint: %w", err)
	}
	return nil
}

// UpdateEndpoints applies u to every endpoint of a node.
func (s *SQLiteStore) UpdateEndpoints(ctx context.Context, nodeID string, u models.EndpointUpdate) error {
	if u.Deleted == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE endpoints SET deleted = ? WHERE node_id = ?`, *u.Deleted, nodeID)
	if err != nil {
		return fmt.Errorf("failed to update endpoints: %w", err)
	}
	return nil
}

// ListEndpoints returns the endpoints of a node.
func (s *SQLiteStore) ListEndpoints(ctx context.Context, nodeID string) ([]*models.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, uri, type, deleted, created_at
		FROM endpoints WHERE node_id = ? ORDER BY created_at, id
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.Endpoint
	for rows.Next() {
		var (
			e       models.Endpoint
			created sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.NodeID, &e.URI, &e.Type, &e.Deleted, &created); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		e.CreatedAt = fromUnix(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// update runs an UPDATE of the given SET clauses and reports ErrNotFound
// when no row matched.
func (s *SQLiteStore) update(ctx context.Context, table, kind, id string, sets []string, args []any) error {
	sets = append(sets, "updated_at = ?")
	args = append(args, toUnix(s.now().UTC()), id)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, table, strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", models.ErrNotFound, kind, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

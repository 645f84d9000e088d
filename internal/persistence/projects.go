package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProjectRepo manages project rows.
type ProjectRepo struct {
	adapter Adapter
}

func NewProjectRepo(a Adapter) *ProjectRepo { return &ProjectRepo{adapter: a} }

// Create inserts a new project, generating its id.
func (r *ProjectRepo) Create(ctx context.Context, name, remoteURL, rootPath string) (*Project, error) {
	now := time.Now().UTC()
	p := &Project{
		ID:        uuid.NewString(),
		Name:      name,
		RemoteURL: remoteURL,
		RootPath:  rootPath,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.adapter.Exec(ctx, `
INSERT INTO projects (id, name, remote_url, root_path, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`, p.ID, p.Name, p.RemoteURL, p.RootPath, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// Get fetches a project by id.
func (r *ProjectRepo) Get(ctx context.Context, id string) (*Project, error) {
	rows, err := r.adapter.Query(ctx, `
SELECT id, name, remote_url, root_path, created_at, updated_at FROM projects WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	var p Project
	if err := rows.Scan(&p.ID, &p.Name, &p.RemoteURL, &p.RootPath, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	return &p, nil
}

// GetByRootPath fetches a project by its repository root, or sql.ErrNoRows.
func (r *ProjectRepo) GetByRootPath(ctx context.Context, rootPath string) (*Project, error) {
	rows, err := r.adapter.Query(ctx, `
SELECT id, name, remote_url, root_path, created_at, updated_at FROM projects WHERE root_path = ?`, rootPath)
	if err != nil {
		return nil, fmt.Errorf("query project by root: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	var p Project
	if err := rows.Scan(&p.ID, &p.Name, &p.RemoteURL, &p.RootPath, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	return &p, nil
}

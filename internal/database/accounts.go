// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package database

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/tomtom215/marketscope/internal/models"
)

const userColumns = `id, email, name, password_hash, tier, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Tier, &u.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// CreateUser inserts a user and fills its ID and creation time.
func (db *DB) CreateUser(ctx context.Context, u *models.User) error {
	const q = `INSERT INTO users (email, name, password_hash, tier)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	return mapErr(db.pool.QueryRow(ctx, q, u.Email, u.Name, u.PasswordHash, u.Tier).Scan(&u.ID, &u.CreatedAt))
}

// GetUser returns a user by ID.
func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByEmail looks a user up case-insensitively.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

// UpdateUserTier changes a user's subscription tier.
func (db *DB) UpdateUserTier(ctx context.Context, id int64, tier models.Tier) error {
	return expectRow(db.pool.Exec(ctx, `UPDATE users SET tier = $2 WHERE id = $1`, id, tier))
}

const projectColumns = `p.id, p.owner_id, p.name, p.description, p.created_at, p.updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

// CreateProject inserts a project and makes its owner a member with the
// owner role, in one transaction.
func (db *DB) CreateProject(ctx context.Context, p *models.Project) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		const q = `INSERT INTO projects (owner_id, name, description)
			VALUES ($1, $2, $3) RETURNING id, created_at, updated_at`
		if err := tx.QueryRow(ctx, q, p.OwnerID, p.Name, p.Description).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return mapErr(err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, $3)`,
			p.ID, p.OwnerID, models.RoleOwner)
		return mapErr(err)
	})
}

// GetProject returns a project by ID.
func (db *DB) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	return scanProject(db.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id = $1`, id))
}

// ListProjectsForUser returns the projects a user is a member of.
func (db *DB) ListProjectsForUser(ctx context.Context, userID int64) ([]models.Project, error) {
	const q = `SELECT ` + projectColumns + ` FROM projects p
		JOIN project_members m ON m.project_id = p.id
		WHERE m.user_id = $1
		ORDER BY p.created_at DESC`
	rows, err := db.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]models.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// UpdateProject saves name and description.
func (db *DB) UpdateProject(ctx context.Context, p *models.Project) error {
	const q = `UPDATE projects SET name = $2, description = $3, updated_at = now()
		WHERE id = $1 RETURNING updated_at`
	return mapErr(db.pool.QueryRow(ctx, q, p.ID, p.Name, p.Description).Scan(&p.UpdatedAt))
}

// DeleteProject removes a project. Dependent rows cascade; warehouse
// tables are dropped by the caller beforehand.
func (db *DB) DeleteProject(ctx context.Context, id int64) error {
	return expectRow(db.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id))
}

// AddMember adds a user to a project or changes their role.
func (db *DB) AddMember(ctx context.Context, m *models.ProjectMember) error {
	const q = `INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING created_at`
	return mapErr(db.pool.QueryRow(ctx, q, m.ProjectID, m.UserID, m.Role).Scan(&m.CreatedAt))
}

// RemoveMember removes a user from a project.
func (db *DB) RemoveMember(ctx context.Context, projectID, userID int64) error {
	return expectRow(db.pool.Exec(ctx,
		`DELETE FROM project_members WHERE project_id = $1 AND user_id = $2`, projectID, userID))
}

// GetMember returns one membership.
func (db *DB) GetMember(ctx context.Context, projectID, userID int64) (*models.ProjectMember, error) {
	const q = `SELECT m.project_id, m.user_id, u.email, m.role, m.created_at
		FROM project_members m JOIN users u ON u.id = m.user_id
		WHERE m.project_id = $1 AND m.user_id = $2`
	var m models.ProjectMember
	err := db.pool.QueryRow(ctx, q, projectID, userID).Scan(&m.ProjectID, &m.UserID, &m.Email, &m.Role, &m.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

// ListMembers returns a project's members with their emails.
func (db *DB) ListMembers(ctx context.Context, projectID int64) ([]models.ProjectMember, error) {
	return db.queryMembers(ctx, `SELECT m.project_id, m.user_id, u.email, m.role, m.created_at
		FROM project_members m JOIN users u ON u.id = m.user_id
		WHERE m.project_id = $1 ORDER BY m.created_at`, projectID)
}

// ListAllMembers returns every membership. Used to load the authorizer.
func (db *DB) ListAllMembers(ctx context.Context) ([]models.ProjectMember, error) {
	return db.queryMembers(ctx, `SELECT m.project_id, m.user_id, '', m.role, m.created_at
		FROM project_members m`)
}

func (db *DB) queryMembers(ctx context.Context, q string, args ...any) ([]models.ProjectMember, error) {
	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]models.ProjectMember, 0)
	for rows.Next() {
		var m models.ProjectMember
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Email, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

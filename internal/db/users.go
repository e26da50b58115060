package db

import (
	"context"
	"fmt"
)

const userColumns = `id, email, name, image, plan, weekly_digest, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	u := &User{}
	var plan string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &plan, &u.WeeklyDigest, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Plan = Plan(plan)
	return u, nil
}

// EnsureUser inserts the user when it does not exist yet
func (db *DB) EnsureUser(ctx context.Context, u *User) error {
	if u.Plan == "" {
		u.Plan = PlanFree
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	_, err := db.exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, u.ID, u.Email, u.Name, u.Image, string(u.Plan), u.WeeklyDigest, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not ensure user: %w", mapError(err))
	}
	return nil
}

// UpsertUser inserts the user or refreshes its profile fields. Plan and
// digest preferences are only set on insert.
func (db *DB) UpsertUser(ctx context.Context, u *User) error {
	if u.Plan == "" {
		u.Plan = PlanFree
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	_, err := db.exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, name = excluded.name, image = excluded.image
	`, u.ID, u.Email, u.Name, u.Image, string(u.Plan), u.WeeklyDigest, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not upsert user: %w", mapError(err))
	}
	return nil
}

// GetUser retrieves a user by ID
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(db.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, mapError(err))
	}
	return u, nil
}

// SetUserPlan changes a user's plan
func (db *DB) SetUserPlan(ctx context.Context, id string, plan Plan) error {
	return db.updateUser(ctx, `UPDATE users SET plan = ? WHERE id = ?`, string(plan), id)
}

// SetWeeklyDigest toggles the weekly digest opt-in
func (db *DB) SetWeeklyDigest(ctx context.Context, id string, enabled bool) error {
	return db.updateUser(ctx, `UPDATE users SET weekly_digest = ? WHERE id = ?`, enabled, id)
}

func (db *DB) updateUser(ctx context.Context, query string, args ...any) error {
	res, err := db.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("could not update user: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %v: %w", args[len(args)-1], ErrNotFound)
	}
	return nil
}

// ListDigestUsers returns users opted in to the weekly digest
func (db *DB) ListDigestUsers(ctx context.Context) ([]*User, error) {
	rows, err := db.query(ctx, `SELECT `+userColumns+` FROM users WHERE weekly_digest = ? ORDER BY created_at`, true)
	if err != nil {
		return nil, fmt.Errorf("could not query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

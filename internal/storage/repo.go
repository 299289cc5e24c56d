package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	if strings.TrimSpace(u.ID) == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = RoleMember
	}
	u.CreatedAt = s.now()
	q := s.sql.Insert("users").
		Columns("id", "email", "name", "role", "created_at").
		Values(u.ID, u.Email, u.Name, u.Role, u.CreatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build create user query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	q := s.sql.Select("id", "email", "name", "role", "created_at").
		From("users").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}

	var u User
	var name sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&u.ID, &u.Email, &name, &u.Role, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	u.Name = nullString(name)
	return u, nil
}

func (s *Store) CreateProject(ctx context.Context, p Project) (Project, error) {
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = "ACTIVE"
	}
	p.CreatedAt = s.now()
	q := s.sql.Insert("projects").
		Columns("id", "owner_id", "title", "description", "status", "created_at").
		Values(p.ID, p.OwnerID, p.Title, p.Description, p.Status, p.CreatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Project{}, fmt.Errorf("build create project query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (s *Store) AddProjectMember(ctx context.Context, projectID, userID string) error {
	q := s.sql.Insert("project_members").
		Columns("project_id", "user_id").
		Values(projectID, userID).
		Suffix("ON CONFLICT(project_id, user_id) DO NOTHING")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add member query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("add project member: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	q := s.sql.Select("id", "owner_id", "title", "description", "status", "created_at").
		From("projects").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Project{}, fmt.Errorf("build get project query: %w", err)
	}

	var p Project
	var description sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID, &p.OwnerID, &p.Title, &description, &p.Status, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	p.Description = nullString(description)
	return p, nil
}

// CanAccessProject reports whether userID owns or is a member of projectID.
func (s *Store) CanAccessProject(ctx context.Context, projectID, userID string) (bool, error) {
	q := s.sql.Select("1").
		From("projects p").
		LeftJoin("project_members m ON m.project_id = p.id AND m.user_id = ?", userID).
		Where(sq.Eq{"p.id": projectID}).
		Where(sq.Or{sq.Eq{"p.owner_id": userID}, sq.NotEq{"m.user_id": nil}}).
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build project access query: %w", err)
	}

	var one int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check project access: %w", err)
	}
	return true, nil
}

// ListAccessibleProjects returns up to limit projects userID owns or is a
// member of, ordered by title.
func (s *Store) ListAccessibleProjects(ctx context.Context, userID string, limit uint64) ([]Project, error) {
	q := s.sql.Select("p.id", "p.owner_id", "p.title", "p.description", "p.status", "p.created_at").
		From("projects p").
		LeftJoin("project_members m ON m.project_id = p.id AND m.user_id = ?", userID).
		Where(sq.Or{sq.Eq{"p.owner_id": userID}, sq.NotEq{"m.user_id": nil}}).
		OrderBy("p.title", "p.id").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list projects query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var description sql.NullString
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Title, &description, &p.Status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		p.Description = nullString(description)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project rows: %w", err)
	}
	return out, nil
}

var taskColumns = []string{
	"id", "project_id", "title", "description", "priority", "status",
	"due_date", "estimated_hours", "assignee_id", "creator_id", "tags_json", "created_at",
}

func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	q := s.sql.Select(taskColumns...).From("tasks").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Task{}, fmt.Errorf("build get task query: %w", err)
	}
	t, err := scanTask(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	q := s.sql.Select(taskColumns...).
		From("tasks").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list tasks query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

// CreateTask inserts a task after checking that its project exists. A
// missing project yields ErrNotFound and nothing is written.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return Task{}, fmt.Errorf("marshal tags: %w", err)
	}

	t := Task{
		ID:             uuid.NewString(),
		ProjectID:      in.ProjectID,
		Title:          in.Title,
		Description:    in.Description,
		Priority:       in.Priority,
		Status:         in.Status,
		DueDate:        in.DueDate,
		EstimatedHours: in.EstimatedHours,
		AssigneeID:     in.AssigneeID,
		CreatorID:      in.CreatorID,
		Tags:           tags,
		CreatedAt:      s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("begin create task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existsSQL, existsArgs, err := s.sql.Select("1").From("projects").Where(sq.Eq{"id": in.ProjectID}).ToSql()
	if err != nil {
		return Task{}, fmt.Errorf("build project exists query: %w", err)
	}
	var one int
	if err := tx.QueryRowContext(ctx, existsSQL, existsArgs...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("project %w", ErrNotFound)
		}
		return Task{}, fmt.Errorf("check project: %w", err)
	}

	insertSQL, insertArgs, err := s.sql.Insert("tasks").
		Columns(taskColumns...).
		Values(t.ID, t.ProjectID, t.Title, t.Description, t.Priority, t.Status,
			t.DueDate, t.EstimatedHours, t.AssigneeID, t.CreatorID, string(tagsJSON), t.CreatedAt).
		ToSql()
	if err != nil {
		return Task{}, fmt.Errorf("build create task query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertSQL, insertArgs...); err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("commit create task: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var due sql.NullTime
	var hours sql.NullFloat64
	var assignee, creator sql.NullString
	var tagsJSON string
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Priority, &t.Status,
		&due, &hours, &assignee, &creator, &tagsJSON, &t.CreatedAt); err != nil {
		return Task{}, err
	}
	if due.Valid {
		d := due.Time
		t.DueDate = &d
	}
	if hours.Valid {
		h := hours.Float64
		t.EstimatedHours = &h
	}
	t.AssigneeID = nullString(assignee)
	t.CreatorID = nullString(creator)
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		t.Tags = []string{}
	}
	return t, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("id", "user_id", "action", "meta_json", "created_at").
		Values(uuid.NewString(), e.UserID, e.Action, e.MetaJSON, s.now())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns a user's audit entries, newest first.
func (s *Store) ListAuditEntries(ctx context.Context, userID string, limit uint64) ([]AuditEntry, error) {
	q := s.sql.Select("user_id", "action", "meta_json").
		From("audit_log").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.UserID, &e.Action, &e.MetaJSON); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/enterprise/aml-engine/internal/models"
)

var (
	ErrAnalystNotFound      = errors.New("analyst not found")
	ErrAnalystAlreadyExists = errors.New("analyst with this email already exists")
)

// AnalystRepository handles analyst account database operations
type AnalystRepository struct {
	db *Database
}

// NewAnalystRepository creates a new analyst repository
func NewAnalystRepository(db *Database) *AnalystRepository {
	return &AnalystRepository{db: db}
}

// Create registers a new analyst account
func (r *AnalystRepository) Create(ctx context.Context, analyst *models.Analyst) error {
	query := `
		INSERT INTO analysts (id, email, password_hash, full_name, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	analyst.ID = uuid.New()
	analyst.CreatedAt = time.Now().UTC()
	analyst.UpdatedAt = analyst.CreatedAt
	analyst.IsActive = true

	_, err := r.db.Pool.Exec(ctx, query,
		analyst.ID,
		analyst.Email,
		analyst.PasswordHash,
		analyst.FullName,
		analyst.Role,
		analyst.IsActive,
		analyst.CreatedAt,
		analyst.UpdatedAt,
	)

	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrAnalystAlreadyExists
		}
		return err
	}

	return nil
}

// GetByEmail retrieves an analyst by email
func (r *AnalystRepository) GetByEmail(ctx context.Context, email string) (*models.Analyst, error) {
	query := `
		SELECT id, email, password_hash, full_name, role, is_active, created_at, updated_at
		FROM analysts
		WHERE email = $1
	`

	analyst := &models.Analyst{}
	err := r.db.Pool.QueryRow(ctx, query, email).Scan(
		&analyst.ID,
		&analyst.Email,
		&analyst.PasswordHash,
		&analyst.FullName,
		&analyst.Role,
		&analyst.IsActive,
		&analyst.CreatedAt,
		&analyst.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnalystNotFound
		}
		return nil, err
	}

	return analyst, nil
}

// GetByID retrieves an analyst by id
func (r *AnalystRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Analyst, error) {
	query := `
		SELECT id, email, password_hash, full_name, role, is_active, created_at, updated_at
		FROM analysts
		WHERE id = $1
	`

	analyst := &models.Analyst{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&analyst.ID,
		&analyst.Email,
		&analyst.PasswordHash,
		&analyst.FullName,
		&analyst.Role,
		&analyst.IsActive,
		&analyst.CreatedAt,
		&analyst.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnalystNotFound
		}
		return nil, err
	}

	return analyst, nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

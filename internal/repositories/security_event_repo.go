package repositories

import (
	"context"
	"fmt"
	"strings"

	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/models"
)

// SecurityEventRepository is the append-only store behind the security
// event log.
type SecurityEventRepository struct {
	db *database.DB
}

func NewSecurityEventRepository(db *database.DB) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

const securityEventColumns = `id, account_id, event_type, severity, context, ip_address, user_agent, created_at`

func scanSecurityEventRow(scanner rowScanner) (*models.SecurityEvent, error) {
	var e models.SecurityEvent
	var severity string

	err := scanner.Scan(&e.ID, &e.AccountID, &e.EventType, &severity, &e.Context, &e.IPAddress, &e.UserAgent, &e.CreatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	e.Severity = models.Severity(severity)

	return &e, nil
}

func (r *SecurityEventRepository) Create(ctx context.Context, event *models.SecurityEvent) error {
	query := `
		INSERT INTO security_events (account_id, event_type, severity, context, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query,
		event.AccountID,
		event.EventType,
		string(event.Severity),
		event.Context,
		event.IPAddress,
		event.UserAgent,
		event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

// severitiesAtLeast lists the severities at or above min.
func severitiesAtLeast(min models.Severity) []string {
	all := []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical}
	for i, s := range all {
		if s == min {
			out := make([]string, 0, len(all)-i)
			for _, keep := range all[i:] {
				out = append(out, string(keep))
			}
			return out
		}
	}
	return nil
}

// List returns events matching filter, newest first.
func (r *SecurityEventRepository) List(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		conditions = append(conditions, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if filter.MinSeverity != "" {
		if sev := severitiesAtLeast(filter.MinSeverity); sev != nil {
			args = append(args, sev)
			conditions = append(conditions, fmt.Sprintf("severity = ANY($%d)", len(args)))
		}
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := `SELECT ` + securityEventColumns + ` FROM security_events`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, max(filter.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.SecurityEvent, 0)
	for rows.Next() {
		e, err := scanSecurityEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security events: %w", err)
	}

	return events, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
)

const roomCols = `id, created_by, connection_string, name, created_at, last_session_at`

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func scanRoom(s interface{ Scan(dest ...any) error }, rm *model.Room) error {
	return s.Scan(&rm.ID, &rm.CreatedBy, &rm.ConnectionString, &rm.Name, &rm.CreatedAt, &rm.LastSessionAt)
}

func (r *RoomRepository) Create(ctx context.Context, rm *model.Room) error {
	defer logger.DeferLogDuration("room.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rooms (`+roomCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		rm.ID, rm.CreatedBy, rm.ConnectionString, rm.Name, rm.CreatedAt, rm.LastSessionAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("roomRepo.Create: %w", err)
	}
	return nil
}

func (r *RoomRepository) getOne(ctx context.Context, op, where string, arg string) (*model.Room, error) {
	rm := &model.Room{}
	row := r.pool.QueryRow(ctx, `SELECT `+roomCols+` FROM rooms WHERE `+where, arg)
	if err := scanRoom(row, rm); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("roomRepo.%s: %w", op, err)
	}
	return rm, nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetByID", time.Now())()
	return r.getOne(ctx, "GetByID", `id = $1`, id)
}

func (r *RoomRepository) GetByConnectionString(ctx context.Context, cs string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetByConnectionString", time.Now())()
	return r.getOne(ctx, "GetByConnectionString", `connection_string = $1`, cs)
}

func (r *RoomRepository) ListByCreator(ctx context.Context, userID string) ([]model.Room, error) {
	defer logger.DeferLogDuration("room.ListByCreator", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+roomCols+` FROM rooms WHERE created_by = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListByCreator query: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.Room, 0, 4)
	for rows.Next() {
		var rm model.Room
		if err := scanRoom(rows, &rm); err != nil {
			return nil, fmt.Errorf("roomRepo.ListByCreator scan: %w", err)
		}
		rooms = append(rooms, rm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListByCreator rows: %w", err)
	}
	return rooms, nil
}

func (r *RoomRepository) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("roomRepo.%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RoomRepository) Rename(ctx context.Context, id, name string) error {
	defer logger.DeferLogDuration("room.Rename", time.Now())()
	return r.exec(ctx, "Rename", `UPDATE rooms SET name = $1 WHERE id = $2`, name, id)
}

func (r *RoomRepository) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("room.Delete", time.Now())()
	return r.exec(ctx, "Delete", `DELETE FROM rooms WHERE id = $1`, id)
}

func (r *RoomRepository) TouchSession(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("room.TouchSession", time.Now())()
	return r.exec(ctx, "TouchSession", `UPDATE rooms SET last_session_at = $1 WHERE id = $2`, at, id)
}

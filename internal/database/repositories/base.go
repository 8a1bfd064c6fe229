package repositories

import (
	"database/sql"
	"github.com/rs/zerolog"
)

// BaseRepository provides common database operations
type BaseRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBase creates a new base repository
func NewBase(db *sql.DB, log zerolog.Logger) *BaseRepository {
	return &BaseRepository{
		db:  db,
		log: log,
	}
}

// DB returns the database connection
func (r *BaseRepository) DB() *sql.DB {
	return r.db
}

// Repository pattern used throughout internal/store:
//
// type SubscriptionStore struct {
//     *BaseRepository
// }
//
// func NewSubscriptionStore(db *sql.DB, log zerolog.Logger) *SubscriptionStore {
//     return &SubscriptionStore{
//         BaseRepository: NewBase(db, log.With().Str("repo", "subscriptions").Logger()),
//     }
// }

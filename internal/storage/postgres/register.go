package postgres

import "sparkify/internal/storage"

func init() {
	storage.Register("postgres", New)
}

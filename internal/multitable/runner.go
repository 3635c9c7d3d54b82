package multitable

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"

	"sparkify/internal/storage"
)

// Runner opens the repository for a run and drives the Engine. Backends must
// be registered (see internal/storage/all) before Run.
type Runner struct {
	// storage-agnostic factory seam
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	FS       afero.Fs
	Logger   Logger
	Observer Observer
}

func NewDefaultRunner() *Runner {
	return &Runner{
		NewRepository: storage.New,
		FS:            afero.NewOsFs(),
	}
}

// Run validates p, opens one repository connection, and loads everything.
// The DSN may reference environment variables ($VAR / ${VAR}).
func (r *Runner) Run(ctx context.Context, p Pipeline, db storage.Config) (Stats, error) {
	if err := validatePipeline(p, db); err != nil {
		return Stats{}, err
	}

	newRepo := r.NewRepository
	if newRepo == nil {
		newRepo = storage.New
	}
	db.DSN = os.ExpandEnv(db.DSN)

	repo, err := newRepo(ctx, db)
	if err != nil {
		return Stats{}, fmt.Errorf("open %s repository: %w", db.Kind, err)
	}
	defer repo.Close()

	engine := &Engine{
		Repo:     repo,
		Logger:   r.Logger,
		FS:       r.FS,
		Observer: r.Observer,
	}
	return engine.Run(ctx, p)
}

func validatePipeline(p Pipeline, db storage.Config) error {
	if p.SongDataRoot == "" {
		return fmt.Errorf("song data root must be set")
	}
	if p.LogDataRoot == "" {
		return fmt.Errorf("log data root must be set")
	}
	if db.Kind == "" {
		return fmt.Errorf("storage kind must be set")
	}
	return nil
}

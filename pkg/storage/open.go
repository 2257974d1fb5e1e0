package storage

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/astridyu/khinsider-scraper/pkg/config"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// Open creates the index backend named by backend inside stateDir.
// Without resume any existing state of that backend is wiped first.
func Open(ctx context.Context, backend, stateDir string, resume bool, logger *logrus.Entry) (Index, error) {
	switch backend {
	case config.BackendBadger, "":
		return NewBadgerStore(ctx, stateDir, resume, logger.WithField("index_backend", config.BackendBadger))
	case config.BackendSQLite:
		return NewSQLiteStore(ctx, stateDir, resume, logger.WithField("index_backend", config.BackendSQLite))
	default:
		return nil, fmt.Errorf("%w: unknown index backend '%s'", utils.ErrConfigValidation, backend)
	}
}

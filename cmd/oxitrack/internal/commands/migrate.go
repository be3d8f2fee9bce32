package commands

import (
	"context"

	"github.com/mitsimi/oxitrack/internal/logger"
	zlog "github.com/rs/zerolog/log"
)

type MigrateCmd struct {
	Store StoreFlags `embed:""`
}

// Run opens the store with migrations forced on, which applies any pending
// schema versions, then closes it.
func (m *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	zlog.Logger = log

	m.Store.AutoMigrate = true

	st, err := m.Store.openStore(ctx, log)
	if err != nil {
		return err
	}

	log.Info().Str("backend", m.Store.Backend()).Msg("Migrations applied")
	return st.Close()
}

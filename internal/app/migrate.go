package app

import (
	"context"
	"fmt"
	"strings"

	"fee-insights/internal/apperr"
	"fee-insights/internal/storage"
)

// Migrate applies pending SQL migrations to the PostgreSQL backend. The
// bolt backend creates its buckets on open and needs none.
func (a *App) Migrate(ctx context.Context) error {
	if !strings.EqualFold(a.Config.Database.Driver, storage.DriverPostgres) {
		return apperr.Config(nil, "migrate requires database.driver=postgres, got %q", a.Config.Database.Driver)
	}

	backend, err := a.requireStore(ctx, "migrate")
	if err != nil {
		return err
	}
	defer backend.Close()

	pg, ok := backend.(*storage.PostgresStore)
	if !ok {
		return apperr.Config(nil, "backend %T does not support migrations", backend)
	}

	applied, err := pg.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.Out, "schema up to date")
		return nil
	}
	for _, v := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", v)
	}
	a.Logger.Info().Strs("versions", applied).Msg("migrations applied")
	return nil
}

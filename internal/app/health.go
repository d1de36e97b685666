package app

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"fee-insights/internal/apperr"
)

// Health checks the configured provider and prints its static metadata.
// A failed check is returned as an apperr so the CLI exits with its code.
func (a *App) Health(ctx context.Context) error {
	prov, err := a.newProvider()
	if err != nil {
		return err
	}

	started := time.Now()
	checkErr := prov.HealthCheck(ctx)
	elapsed := time.Since(started)

	meta := prov.GetMetadata()
	rateLimit := "unlimited"
	if meta.RateLimitPerMinute != nil {
		rateLimit = strconv.Itoa(*meta.RateLimitPerMinute) + "/min"
	}

	status := "ok"
	if checkErr != nil {
		status = "unhealthy: " + sanitizeInline(checkErr.Error())
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "provider\t%s\n", prov.ProviderName())
	fmt.Fprintf(writer, "status\t%s\n", status)
	fmt.Fprintf(writer, "latency\t%s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(writer, "historical\t%t\n", meta.SupportsHistorical)
	fmt.Fprintf(writer, "max_batch\t%d\n", meta.MaxBatchSize)
	fmt.Fprintf(writer, "rate_limit\t%s\n", rateLimit)
	fmt.Fprintf(writer, "freshness\t%ds\n", meta.DataFreshnessSeconds)
	if err := writer.Flush(); err != nil {
		return err
	}

	if checkErr != nil {
		a.Logger.Warn().Err(checkErr).Str("provider", prov.ProviderName()).Msg("provider health check failed")
		return apperr.FromProvider(checkErr)
	}
	return nil
}

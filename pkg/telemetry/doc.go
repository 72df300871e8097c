// Package telemetry provides observability instrumentation for the Haven
// control plane.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics into a unified system.
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    log.Fatal().Err(err).Msg("telemetry init failed")
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal().Err(err).Msg("metrics server failed")
//	}
//
// Component loggers carry domain fields:
//
//	logger := tel.Logger.NewComponentLogger("lifecycle")
//	logger.WithModule("privacy").Info("module enabled")
package telemetry

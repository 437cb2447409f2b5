// Package logging provides structured logging with OpenTelemetry integration.
//
// Logging wraps Zap with:
//   - a Trace level below Debug
//   - stdout and OpenTelemetry outputs
//   - correlation fields pulled from context (trace, session, request, plan)
//   - secret and prompt redaction
//   - level-aware sampling; errors are never sampled
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, "sess_123")
//	ctx = logging.WithPlanID(ctx, plan.ID)
//	logger.Info(ctx, "plan executed", zap.String("strategy", "parallel"))
//
// Components that hold a plain *zap.Logger attach the same correlation
// fields with For:
//
//	logging.For(ctx, e.logger).Warn("step failed", zap.Error(err))
package logging

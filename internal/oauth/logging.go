package oauth

import (
	"time"

	"go.uber.org/zap"
)

// LogOAuthFlowStart logs the start of an interactive flow.
func LogOAuthFlowStart(logger *zap.Logger, f *Flow) {
	logger.Info("OAuth flow started",
		zap.String("installation", f.InstallationID),
		zap.String("server", f.Alias),
		zap.String("correlation_id", f.CorrelationID),
		zap.Time("expires_at", f.ExpiresAt))
}

// LogOAuthFlowEnd logs the completion of an interactive flow.
func LogOAuthFlowEnd(logger *zap.Logger, f *Flow, err error) {
	fields := []zap.Field{
		zap.String("installation", f.InstallationID),
		zap.String("server", f.Alias),
		zap.String("correlation_id", f.CorrelationID),
		zap.Duration("duration", f.Duration()),
		zap.String("state", f.Status.String()),
	}
	if err != nil {
		logger.Warn("OAuth flow failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Info("OAuth flow completed", fields...)
}

// LogTokenRefreshResult logs the outcome of a token refresh.
func LogTokenRefreshResult(logger *zap.Logger, installationID string, duration time.Duration, err error) {
	if err != nil {
		logger.Warn("OAuth token refresh failed",
			zap.String("installation", installationID),
			zap.Duration("duration", duration),
			zap.String("error_type", classifyRefreshError(err)),
			zap.Error(err))
		return
	}
	logger.Info("OAuth token refresh succeeded",
		zap.String("installation", installationID),
		zap.Duration("duration", duration))
}

// maskOAuthSecret masks an OAuth secret by showing the first 3 and last 4 characters.
// For secrets shorter than 8 characters, it returns "***".
func maskOAuthSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:3] + "***" + secret[len(secret)-4:]
}

package config

import (
	"github.com/spf13/viper"
)

// Process-level switches controlling the gateway's persisted logs. Each is an
// environment variable holding a boolean; unset means enabled.
const (
	// EnvGatewayLogging disables all gateway audit logging when false.
	EnvGatewayLogging = "GATEWAY_LOGGING"
	// EnvEnvelopeHistory disables the envelope-history log when false.
	EnvEnvelopeHistory = "ENVELOPE_HISTORY"
	// EnvCapabilityDecisions disables the capability-decisions log when false.
	EnvCapabilityDecisions = "CAPABILITY_DECISIONS"
)

func init() {
	viper.SetDefault(EnvGatewayLogging, true)
	viper.SetDefault(EnvEnvelopeHistory, true)
	viper.SetDefault(EnvCapabilityDecisions, true)
	// Bind errors only occur with zero names.
	_ = viper.BindEnv(EnvGatewayLogging)
	_ = viper.BindEnv(EnvEnvelopeHistory)
	_ = viper.BindEnv(EnvCapabilityDecisions)
}

// GatewayLoggingEnabled reports whether any audit logging is enabled.
func GatewayLoggingEnabled() bool {
	return viper.GetBool(EnvGatewayLogging)
}

// EnvelopeHistoryEnabled reports whether the envelope-history log is enabled.
func EnvelopeHistoryEnabled() bool {
	return GatewayLoggingEnabled() && viper.GetBool(EnvEnvelopeHistory)
}

// CapabilityDecisionsEnabled reports whether the capability-decisions log is
// enabled.
func CapabilityDecisionsEnabled() bool {
	return GatewayLoggingEnabled() && viper.GetBool(EnvCapabilityDecisions)
}

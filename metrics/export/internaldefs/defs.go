package internaldefs

import (
	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
)

// CounterDef names one coordinator counter for export.
type CounterDef struct {
	ID   jianwen.MetricID
	Name string
	Help string
}

// HistogramDef names one coordinator latency histogram for export.
type HistogramDef struct {
	ID   jianwen.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: jianwen.MetricLoginSuccess, Name: "jianwen_login_success_total", Help: "Logins that ended authenticated."},
	{ID: jianwen.MetricLoginFailure, Name: "jianwen_login_failure_total", Help: "Logins rejected by the identity provider or the profile store."},
	{ID: jianwen.MetricLoginTimeout, Name: "jianwen_login_timeout_total", Help: "Logins that exceeded the login budget."},
	{ID: jianwen.MetricRegisterSuccess, Name: "jianwen_register_success_total", Help: "Completed registrations."},
	{ID: jianwen.MetricRegisterDuplicate, Name: "jianwen_register_duplicate_total", Help: "Registrations refused as already registered."},
	{ID: jianwen.MetricRegisterFailure, Name: "jianwen_register_failure_total", Help: "Other failed registrations."},
	{ID: jianwen.MetricLogout, Name: "jianwen_logout_total", Help: "Logouts."},
	{ID: jianwen.MetricLogoutProviderFailure, Name: "jianwen_logout_provider_failure_total", Help: "Provider sign-outs that failed after local state was cleared."},
	{ID: jianwen.MetricHydrateAuthenticated, Name: "jianwen_hydrate_authenticated_total", Help: "Startups that restored a session."},
	{ID: jianwen.MetricHydrateLoggedOut, Name: "jianwen_hydrate_logged_out_total", Help: "Startups that ended logged out."},
	{ID: jianwen.MetricCacheCleared, Name: "jianwen_cache_cleared_total", Help: "Auth cache purges."},
	{ID: jianwen.MetricProfileLoadFailure, Name: "jianwen_profile_load_failure_total", Help: "Failed profile loads."},
	{ID: jianwen.MetricProfileUpdateSuccess, Name: "jianwen_profile_update_success_total", Help: "Applied profile updates."},
	{ID: jianwen.MetricProfileUpdateFailure, Name: "jianwen_profile_update_failure_total", Help: "Rejected profile updates."},
	{ID: jianwen.MetricEventProcessed, Name: "jianwen_event_processed_total", Help: "Provider push events acted upon."},
	{ID: jianwen.MetricEventSuppressed, Name: "jianwen_event_suppressed_total", Help: "Provider push events ignored inside a suppression window."},
	{ID: jianwen.MetricInvalidTransition, Name: "jianwen_invalid_transition_total", Help: "Rejected auth state transitions."},
}

var HistogramDefs = []HistogramDef{
	{ID: jianwen.MetricLoginLatency, Name: "jianwen_login_latency_seconds", Help: "Login latency."},
	{ID: jianwen.MetricHydrateLatency, Name: "jianwen_hydrate_latency_seconds", Help: "Startup hydration latency."},
}

// HistogramBounds are the upper bounds of the coordinator's histogram
// buckets, in seconds.
var HistogramBounds = []string{
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"5",
	"+Inf",
}

// HistogramBoundValues mirrors HistogramBounds without the +Inf bucket.
var HistogramBoundValues = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// HistogramBoundSuffix renders HistogramBounds for metric names.
var HistogramBoundSuffix = []string{
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"1",
	"2_5",
	"5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, zero filling.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

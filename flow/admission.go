package flow

// AdmissionLimits are the caps applied to one admission decision.
type AdmissionLimits struct {
	MaxTotalInflight int `json:"max_total_inflight" yaml:"max_total_inflight" mapstructure:"max_total_inflight"`
	ReservedHeadroom int `json:"reserved_headroom" yaml:"reserved_headroom" mapstructure:"reserved_headroom"`
	MaxNewThisCall   int `json:"max_new_this_call" yaml:"max_new_this_call" mapstructure:"max_new_this_call"`
}

// Budget is max(0, min(MaxNewThisCall, MaxTotalInflight - ReservedHeadroom - currentInflight)).
func Budget(limits AdmissionLimits, currentInflight int) int {
	budget := limits.MaxTotalInflight - limits.ReservedHeadroom - currentInflight
	if limits.MaxNewThisCall < budget {
		budget = limits.MaxNewThisCall
	}
	if budget < 0 {
		return 0
	}
	return budget
}

// Admit returns the first Budget(limits, currentInflight) candidates in input
// order. The rest stay pending for a later invocation.
func Admit(candidates []string, limits AdmissionLimits, currentInflight int) []string {
	n := Budget(limits, currentInflight)
	if n > len(candidates) {
		n = len(candidates)
	}
	return append([]string{}, candidates[:n]...)
}

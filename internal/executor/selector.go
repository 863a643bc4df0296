package executor

import (
	"strings"

	"github.com/marionette/backend/internal/core"
)

// assaultHints and stealthHints drive the domain fallback when a job does
// not pin a strategy. Bot-mitigation vendors get the heavy treatment; auth
// surfaces get stealth.
var assaultHints = []string{"cloudflare", "akamai", "datadome"}
var stealthHints = []string{"login", "account", "auth"}

// SelectStrategy resolves the effective strategy for a job. Order of
// precedence: explicit job strategy, payload evasion_level, domain hints,
// then vanilla.
func SelectStrategy(job *core.Job) core.Strategy {
	if core.ValidStrategy(job.Strategy) {
		return job.Strategy
	}
	return selectFromPayload(Payload(job.Payload), job.Domain)
}

func selectFromPayload(p Payload, domain string) core.Strategy {
	base := baseStrategy(p, domain)
	// random_delay asks for the human-timing treatment even on a quiet
	// domain.
	if base == core.StrategyVanilla && p.boolVal("random_delay") {
		return core.StrategyStealth
	}
	return base
}

func baseStrategy(p Payload, domain string) core.Strategy {
	if lvl := p.EvasionLevel(); lvl >= 0 {
		switch {
		case lvl == 0:
			return core.StrategyVanilla
		case lvl == 1:
			return core.StrategyStealth
		default:
			return core.StrategyAssault
		}
	}

	domain = strings.ToLower(domain)
	for _, hint := range assaultHints {
		if strings.Contains(domain, hint) {
			return core.StrategyAssault
		}
	}
	for _, hint := range stealthHints {
		if strings.Contains(domain, hint) {
			return core.StrategyStealth
		}
	}
	return core.StrategyVanilla
}

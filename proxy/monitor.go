package proxy

import (
	"github.com/robfig/cron"
	"github.com/yvasiyarov/gorelic"
)

// StartStatsLogger schedules a periodic summary log of connected/authorized
// miner counts. The returned cron.Cron is already running; callers stop it
// with Stop().
func (s *ProxyServer) StartStatsLogger(spec string) *cron.Cron {
	c := cron.New()
	c.AddFunc(spec, func() {
		total, authorized := s.SessionCounts()
		infof("proxy: stats total=%d authorized=%d", total, authorized)
	})
	c.Start()
	return c
}

// NewRelicConfig holds the settings needed to start an optional New Relic
// APM agent.
type NewRelicConfig struct {
	Name    string
	Key     string
	Verbose bool
	Enabled bool
}

// StartNewRelic starts a gorelic APM agent when cfg.Enabled and a license
// key is set; otherwise it is a no-op.
func StartNewRelic(cfg NewRelicConfig) {
	if !cfg.Enabled || cfg.Key == "" {
		return
	}
	agent := gorelic.NewAgent()
	agent.NewrelicLicense = cfg.Key
	agent.NewrelicName = cfg.Name
	agent.Verbose = cfg.Verbose
	agent.CollectHTTPStat = true
	if err := agent.Run(); err != nil {
		errorf("proxy: newrelic agent failed to start: %v", err)
		return
	}
	infof("proxy: newrelic agent started (%s)", cfg.Name)
}

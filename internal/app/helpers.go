package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/ircmesh/ircmesh/internal/config"
)

func logBanner(cfg config.Config, cfgPath, version string) {
	if cfgPath == "" {
		cfgPath = "(flags only)"
	}
	log.Info("────────────────────────────────────────")
	log.Infof("ircmesh %s", version)
	log.Infof(" Node        : %s", cfg.Hostname)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("")
	log.Info(" This process represents ONE node.")
	log.Info(" Nodes sharing a store and queue fabric")
	log.Info(" form one IRC network.")
	log.Info("────────────────────────────────────────")
}

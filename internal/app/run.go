// Package app boots one node: shared store, queue fabric, realm and
// listeners, in that order, and unwinds them in reverse on shutdown.
package app

import (
	"context"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/ircmesh/ircmesh/internal/bus"
	"github.com/ircmesh/ircmesh/internal/config"
	"github.com/ircmesh/ircmesh/internal/cred"
	"github.com/ircmesh/ircmesh/internal/irc"
	"github.com/ircmesh/ircmesh/internal/realm"
	"github.com/ircmesh/ircmesh/internal/server"
	"github.com/ircmesh/ircmesh/internal/store"
	"github.com/ircmesh/ircmesh/internal/util"
)

// Options carries what main resolved before handing over.
type Options struct {
	Cfg     config.Config
	CfgPath string
	Version string
}

// Run boots the node and blocks until ctx is canceled or a subsystem
// fails. Everything it builds is torn down before it returns.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	logBanner(cfg, opt.CfgPath, opt.Version)

	// ── Shared store
	db, err := store.NewRethink(cfg.RDBAddr(), cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Infof("APP: store ready at %s/%s", cfg.RDBAddr(), cfg.DB)

	// ── Queue fabric
	fabric, err := bus.New(cfg.Hostname, cfg.NSQDTCPAddresses, cfg.LookupdHTTPAddresses)
	if err != nil {
		return err
	}
	defer fabric.Close()

	// ── Realm
	rlm := realm.New(cfg.Hostname, db, fabric, cfg.UserOnRequest, cfg.GroupOnRequest)
	defer rlm.Shutdown()

	// ── Protocol front end
	motdPath := cfg.MOTD
	if motdPath != "" && opt.CfgPath != "" {
		motdPath = util.ResolvePath(filepath.Dir(opt.CfgPath), motdPath)
	}
	motd := irc.NewMOTD(motdPath)
	defer motd.Close()

	front := irc.NewServer(rlm, cred.NewChecker(db, cfg.UserOnRequest), motd, cfg.NetworkName(), opt.Version)

	// ── Listeners
	return server.New(front, cfg).Run(ctx)
}

// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/ircmesh/ircmesh/internal/app"
	"github.com/ircmesh/ircmesh/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

// addrList collects a repeatable address flag.
type addrList []string

func (a *addrList) String() string { return strings.Join(*a, ",") }

func (a *addrList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return fmt.Errorf("empty address")
	}
	*a = append(*a, v)
	return nil
}

var (
	cfgPath  = flag.String("config", "", "Path to a YAML config file")
	hostname = flag.String("hostname", "", "This node's unique name in the cluster")
	port     = flag.Int("port", 0, "IRC listener port")
	network  = flag.String("network", "", "Network name shown in the welcome reply")

	dbName  = flag.String("db", "", "Store database name")
	rdbHost = flag.String("rdb-host", "", "Store host")
	rdbPort = flag.Int("rdb-port", 0, "Store driver port")

	nsqds    addrList
	lookupds addrList

	userOnRequest  = flag.Bool("user-on-request", false, "Create unknown users at login")
	groupOnRequest = flag.Bool("group-on-request", false, "Create unknown channels on join")

	ssl     = flag.Bool("ssl", false, "Serve IRC over TLS")
	sslCert = flag.String("ssl-cert", "", "TLS certificate file")
	sslKey  = flag.String("ssl-key", "", "TLS key file")
	wsPort  = flag.Int("ws-port", 0, "Serve IRC over WebSocket on this port (0 = off)")
	motd    = flag.String("motd", "", "Path to a message-of-the-day file")

	verbose = flag.Bool("verbose", false, "Debug logging")
	version = flag.Bool("version", false, "Show version")
)

func init() {
	flag.Var(&nsqds, "nsqd-tcp-address", "nsqd TCP address to publish to (repeatable)")
	flag.Var(&lookupds, "lookupd-http-address", "nsqlookupd HTTP address for discovery (repeatable)")
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("ircmesh v%s\n", appVersion)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("APP: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{Cfg: cfg, CfgPath: *cfgPath, Version: appVersion}); err != nil {
		log.Fatalf("APP: %v", err)
	}
}

// loadConfig layers command-line flags over the config file over
// defaults. Only flags the user actually set override the file.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "hostname":
			cfg.Hostname = *hostname
		case "port":
			cfg.Port = *port
		case "network":
			cfg.Network = *network
		case "db":
			cfg.DB = *dbName
		case "rdb-host":
			cfg.RDBHost = *rdbHost
		case "rdb-port":
			cfg.RDBPort = *rdbPort
		case "nsqd-tcp-address":
			cfg.NSQDTCPAddresses = nsqds
		case "lookupd-http-address":
			cfg.LookupdHTTPAddresses = lookupds
		case "user-on-request":
			cfg.UserOnRequest = *userOnRequest
		case "group-on-request":
			cfg.GroupOnRequest = *groupOnRequest
		case "ssl":
			cfg.SSL = *ssl
		case "ssl-cert":
			cfg.SSLCert = *sslCert
		case "ssl-key":
			cfg.SSLKey = *sslKey
		case "ws-port":
			cfg.WSPort = *wsPort
		case "motd":
			cfg.MOTD = *motd
		case "verbose":
			cfg.Verbose = *verbose
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

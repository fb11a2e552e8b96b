package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mkeska/toxodon/db"
	"github.com/mkeska/toxodon/dispatch"
	"github.com/mkeska/toxodon/fanout"
	"github.com/mkeska/toxodon/federation"
	"github.com/mkeska/toxodon/util"
	"github.com/mkeska/toxodon/web"
)

const (
	serverKeyFile        = "server.key"
	serverPubFile        = "server.pub"
	sweepInterval        = 1 * time.Hour
	timelineRetainFor    = 30 * 24 * time.Hour
)

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal("reading configuration", "err", err)
	}
	log.Info("configuration loaded", "domain", conf.Conf.Domain, "federation", conf.Conf.WithFederation)

	keys, err := loadOrCreateKeypair()
	if err != nil {
		log.Fatal("server keypair", "err", err)
	}
	privateKey, err := federation.ParsePrivateKey(keys.Private)
	if err != nil {
		log.Fatal("parsing server private key", "err", err)
	}

	store := db.GetDB()
	defer store.Close()

	dispatcher := dispatch.New(store, conf)
	queue := federation.NewQueue(store, conf)
	dispatcher.SetDeliveries(queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go fanout.NewWorker(store, conf).Run(ctx)

	if conf.Conf.WithFederation {
		sender := federation.NewHTTPSender(privateKey, conf.Conf.Domain)
		go federation.NewWorker(store, conf, sender).Run(ctx)
		go runSweeps(ctx, store)
	}

	server := &web.Server{
		Store:      store,
		Conf:       conf,
		Dispatcher: dispatcher,
		Verifier: federation.NewTokenVerifier(
			store,
			federation.NewWellKnownKeys(),
			conf.Conf.Domain,
			time.Duration(conf.Conf.NonceTTLSec)*time.Second,
		),
		Pull:         federation.NewPullService(store, conf),
		PublicKeyPem: keys.Public,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- web.Serve(server)
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal("http server failed", "err", err)
	case sig := <-done:
		log.Info("shutting down", "signal", sig)
		cancel()
	}
}

// loadOrCreateKeypair reads the server keypair from the config directory,
// generating and persisting one on first start.
func loadOrCreateKeypair() (*util.RsaKeyPair, error) {
	dir, err := util.GetConfigDir()
	if err != nil {
		return nil, err
	}
	privPath := filepath.Join(dir, serverKeyFile)
	pubPath := filepath.Join(dir, serverPubFile)

	priv, privErr := os.ReadFile(privPath)
	pub, pubErr := os.ReadFile(pubPath)
	if privErr == nil && pubErr == nil {
		pair := &util.RsaKeyPair{Private: string(priv), Public: string(pub)}
		if _, err := federation.ParsePrivateKey(pair.Private); err != nil {
			return nil, fmt.Errorf("stored private key unreadable: %w", err)
		}
		return pair, nil
	}

	pair := util.GeneratePemKeypair()
	if err := os.WriteFile(privPath, []byte(pair.Private), 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, []byte(pair.Public), 0644); err != nil {
		return nil, err
	}
	log.Info("generated server keypair", "path", privPath)
	return pair, nil
}

// runSweeps periodically purges expired delivery jobs, expired nonces, and
// timeline entries past retention.
func runSweeps(ctx context.Context, store *db.DB) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			federation.SweepExpired(store)
			if _, err := store.SweepNonces(time.Now().UTC()); err != nil {
				log.Error("nonce sweep failed", "err", err)
			}
			fanout.SweepRetention(store, timelineRetainFor)
		}
	}
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"floodmesh/config"
	"floodmesh/identity"

	log "github.com/sirupsen/logrus"
)

// RunInit generates a node identity and writes a default configuration around it.
func RunInit(ctx context.Context, cfg *config.Config, force bool) {
	ident, err := initConfig(cfg, force)
	if err != nil {
		log.Fatalf("%v", err)
	}

	fmt.Printf("Local peer id: %s\n", ident.ID())
}

func initConfig(cfg *config.Config, force bool) (*identity.Identity, error) {
	if _, err := os.Stat(cfg.Path()); err == nil && !force {
		return nil, fmt.Errorf("config %s already exists, use -force to overwrite it", cfg.Path())
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to check config %s: %w", cfg.Path(), err)
	}

	ident, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	cfg.Identity.PrivateKey = config.PrivKey{PrivateKey: ident.PrivateKey()}
	if cfg.DataStore.PeerBookPath == "" {
		cfg.DataStore.PeerBookPath = config.DefaultPeerBookPath(ident.ID().String())
	}

	if err := cfg.Save(); err != nil {
		return nil, fmt.Errorf("failed to save config: %w", err)
	}
	return ident, nil
}

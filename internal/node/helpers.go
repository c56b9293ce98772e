package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadGenesis returns the genesis file named in cfg, or the built-in genesis
// of the configured network.
func loadGenesis(cfg *config.Config) (*config.Genesis, error) {
	if cfg.GenesisFile != "" {
		return config.LoadGenesis(expandHome(cfg.GenesisFile))
	}
	g := config.GenesisFor(cfg.Network)
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("built-in genesis: %w", err)
	}
	return g, nil
}

// resolveAuthor parses the block author. An empty string selects the zero
// address, which routes tips to the treasury.
func resolveAuthor(s string) (types.Address, error) {
	if s == "" {
		return types.Address{}, nil
	}
	addr, err := types.ParseAddress(s)
	if err != nil {
		return types.Address{}, fmt.Errorf("invalid author address: %w", err)
	}
	return addr, nil
}

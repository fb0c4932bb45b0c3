package main

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/spcmremote/spcmremote/internal/crypto"
	"github.com/spcmremote/spcmremote/internal/identity"
)

func keysCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Show the key material persisted by the last session",
		Long: `Show fingerprints of the client and server keys written to the data
directory during the most recent handshake. Keys are regenerated for every
connection; these files are kept for diagnostics only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			return printKeys(os.Stdout, identity.NewStore(cfg.Session.DataDir))
		},
	}
}

func printKeys(w io.Writer, store *identity.Store) error {
	fmt.Fprintf(w, "Data directory: %s\n", store.Dir())
	if !identity.Exists(store.Dir()) {
		fmt.Fprintln(w, "No complete key set found; connect once to create one.")
	}

	client, err := store.LoadClientKeypair()
	if err := printKey(w, "Client", identity.ClientPrivateKeyFile, store, keyOf(client), err); err != nil {
		return err
	}
	server, err := store.LoadServerPublicKey()
	return printKey(w, "Server", identity.ServerPublicKeyFile, store, server, err)
}

func keyOf(kp *crypto.Keypair) *rsa.PublicKey {
	if kp == nil {
		return nil
	}
	return kp.PublicKey
}

func printKey(w io.Writer, label, file string, store *identity.Store, pub *rsa.PublicKey, loadErr error) error {
	path := filepath.Join(store.Dir(), file)
	if errors.Is(loadErr, identity.ErrNoKeys) {
		fmt.Fprintf(w, "%s key:     missing (%s)\n", label, path)
		return nil
	}
	if loadErr != nil {
		return fmt.Errorf("%s key: %w", label, loadErr)
	}

	fp, err := crypto.Fingerprint(pub)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s key:     %d-bit RSA %s\n", label, pub.N.BitLen(), fp)
	fmt.Fprintf(w, "  file:         %s\n", path)
	return nil
}

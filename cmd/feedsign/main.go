// feedsign produces a signed measurement feed document from a plain
// measurement file and a hex-encoded Ed25519 seed. The output is what
// feedserver serves and what clients verify against the anchor key.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/primevault/vaultlink/measurements"
)

func main() {
	app := &cli.App{
		Name:  "feedsign",
		Usage: "Sign a measurement set for publication on the feed",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "key",
				Required: true,
				Usage:    "file holding the hex-encoded Ed25519 seed of the feed anchor key",
			},
			&cli.StringFlag{
				Name:     "measurements",
				Required: true,
				Usage:    "JSON file mapping register names to hex digests",
			},
			&cli.StringFlag{
				Name:     "version",
				Required: true,
				Usage:    "version string of the measurement set, must increase lexicographically",
			},
			&cli.StringFlag{
				Name:  "key-id",
				Usage: "identifier of the signing key recorded in the feed",
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "write the signed feed here instead of stdout",
			},
		},
		Action: runSign,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runSign(cCtx *cli.Context) error {
	key, err := loadSeed(cCtx.String("key"))
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(cCtx.String("measurements"))
	if err != nil {
		return err
	}
	var pcrs map[string]string
	if err := json.Unmarshal(raw, &pcrs); err != nil {
		return fmt.Errorf("measurement file must map register names to hex digests: %w", err)
	}
	if len(pcrs) == 0 {
		return errors.New("measurement file holds no registers")
	}

	version := cCtx.String("version")
	feed := measurements.Feed{
		PCRs:        pcrs,
		Version:     version,
		PublishedAt: time.Now().UTC(),
		Signature:   measurements.Sign(pcrs, version, key),
		KeyID:       cCtx.String("key-id"),
	}

	out, err := json.MarshalIndent(feed, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')

	if path := cCtx.String("out"); path != "" {
		return os.WriteFile(path, out, 0o644)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func loadSeed(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("key file %s is not valid hex: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file %s must hold a %d byte seed", path, ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

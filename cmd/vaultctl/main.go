// vaultctl invokes operations against the remote vault from the command
// line: it dials the bus, loads keys, refreshes and checks the attestation
// trust store, and issues a sealed, correlated call.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/primevault/vaultlink/client"
	"github.com/primevault/vaultlink/cmd/flags"
	"github.com/primevault/vaultlink/interfaces"
	"github.com/primevault/vaultlink/keystore"
	"github.com/primevault/vaultlink/measurements"
	"github.com/primevault/vaultlink/transport"
)

var callFlags = append([]cli.Flag{
	flags.NATSURLFlag,
	flags.RoutingPrefixFlag,
	flags.KeysDirFlag,
	flags.FeedURLFlag,
	flags.TrustDBFlag,
	flags.AnchorKeyFlag,
	&cli.StringFlag{
		Name:  "payload",
		Value: "{}",
		Usage: "operation fields as a JSON object",
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Value: 15 * time.Second,
		Usage: "per-call timeout",
	},
	&cli.BoolFlag{
		Name:  "plaintext",
		Usage: "send the request without channel-level encryption",
	},
	&cli.BoolFlag{
		Name:  "durable",
		Usage: "use an acknowledged durable consumer for reply delivery",
	},
	&cli.StringFlag{
		Name:  "attestation-doc",
		Usage: "file with the peer's attestation document to verify before calling",
	},
}, flags.LoggingFlags...)

func main() {
	app := &cli.App{
		Name:  "vaultctl",
		Usage: "Invoke operations on the remote attested vault",
		Commands: []*cli.Command{
			{
				Name:      "call",
				Usage:     "issue one vault operation and print the reply",
				ArgsUsage: "<operation>",
				Flags:     callFlags,
				Action:    runCall,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runCall(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx, "vaultctl")

	operation := cCtx.Args().First()
	if operation == "" {
		return errors.New("an operation name is required")
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(cCtx.String("payload")), &fields); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}

	keys, err := keystore.Open(cCtx.String(flags.KeysDirFlag.Name))
	if err != nil {
		return err
	}

	trust, err := openTrustStore(cCtx, logger)
	if err != nil {
		return err
	}
	defer trust.Close()

	logger.Info("Connecting to bus", "url", cCtx.String(flags.NATSURLFlag.Name))
	bus, err := transport.DialNATS(transport.NATSBusConfig{
		URL:          cCtx.String(flags.NATSURLFlag.Name),
		Name:         "vaultctl",
		UseJetStream: cCtx.Bool("durable"),
		Log:          logger,
	})
	if err != nil {
		return err
	}
	defer bus.Close()

	transportCfg := transport.Config{
		RoutingPrefix:  cCtx.String(flags.RoutingPrefixFlag.Name),
		DefaultTimeout: cCtx.Duration("timeout"),
		Log:            logger,
	}
	if cCtx.Bool("durable") {
		transportCfg.Durable = "vaultlink-replies"
	}

	c, err := client.New(client.Config{
		Bus:       bus,
		Keys:      keys,
		Trust:     trust,
		Transport: transportCfg,
		Log:       logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.RefreshTrust(ctx); err != nil {
		return err
	}

	if docPath := cCtx.String("attestation-doc"); docPath != "" {
		doc, err := os.ReadFile(docPath)
		if err != nil {
			return err
		}
		if err := c.VerifyPeer(doc); err != nil {
			logger.Error("Peer attestation rejected", "err", err)
			return err
		}
		logger.Info("Peer attestation verified")
	}

	call := c.Call
	if cCtx.Bool("plaintext") {
		call = c.CallPlain
	}

	reply, err := call(ctx, operation, fields)
	if err != nil {
		var rpcErr *interfaces.RPCError
		if errors.As(err, &rpcErr) {
			logger.Error("Vault reported an error", "operation", operation, "message", rpcErr.Message)
		}
		return err
	}

	out, err := json.MarshalIndent(replySummary(reply), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func openTrustStore(cCtx *cli.Context, logger *slog.Logger) (*measurements.TrustStore, error) {
	cfg := measurements.Config{
		FeedURL: cCtx.String(flags.FeedURLFlag.Name),
		DBPath:  cCtx.String(flags.TrustDBFlag.Name),
		Log:     logger,
	}
	if anchorHex := cCtx.String(flags.AnchorKeyFlag.Name); anchorHex != "" {
		anchor, err := hex.DecodeString(anchorHex)
		if err != nil {
			return nil, fmt.Errorf("invalid anchor key: %w", err)
		}
		cfg.AnchorKey = anchor
	}
	return measurements.New(cfg)
}

func replySummary(reply *interfaces.ReplyMessage) map[string]any {
	out := map[string]any{"id": reply.ID, "type": reply.Type}
	if reply.Success != nil {
		out["success"] = *reply.Success
	}
	if len(reply.Result) > 0 {
		out["result"] = reply.Result
	}
	if len(reply.Fields) > 0 {
		out["fields"] = reply.Fields
	}
	return out
}

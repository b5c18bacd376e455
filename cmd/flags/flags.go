// Package flags holds the cli flag definitions shared by the vaultlink
// commands.
package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/primevault/vaultlink/common"
)

func SetupLogger(cCtx *cli.Context, service string) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJSONFlag.Name),
		Service: service,
		Version: common.Version,
	})

	if cCtx.Bool(LogUIDFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// LoggingFlags are shared by every command.
var LoggingFlags = []cli.Flag{LogJSONFlag, LogDebugFlag, LogUIDFlag}

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}

var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var NATSURLFlag = &cli.StringFlag{
	Name:  "nats-url",
	Value: "nats://127.0.0.1:4222",
	Usage: "address of the message bus",
}

var RoutingPrefixFlag = &cli.StringFlag{
	Name:     "routing-prefix",
	Required: true,
	Usage:    "per-session routing prefix established during enrollment",
}

var KeysDirFlag = &cli.StringFlag{
	Name:  "keys-dir",
	Value: "keys",
	Usage: "directory holding the local and vault key files",
}

var FeedURLFlag = &cli.StringFlag{
	Name:  "feed-url",
	Usage: "signed measurement feed endpoint",
}

var TrustDBFlag = &cli.StringFlag{
	Name:  "trust-db",
	Value: "trust.db",
	Usage: "path of the trust store database",
}

var AnchorKeyFlag = &cli.StringFlag{
	Name:  "anchor-key",
	Usage: "hex-encoded Ed25519 public key the measurement feed is verified against",
}

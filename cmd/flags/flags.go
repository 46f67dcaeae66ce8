// Package flags holds the CLI flags and logger/server wiring shared by the
// service binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/passkey-account-backend/common"
	"github.com/ruteri/passkey-account-backend/httpserver"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String("metrics-addr")
	enablePprof := cCtx.Bool("pprof")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var RpcAddrFlag = &cli.StringFlag{
	Name:  "rpc-addr",
	Value: "http://127.0.0.1:3030",
	Usage: "address of the ledger JSON-RPC node",
}

var VerifierContractFlag = &cli.StringFlag{
	Name:     "verifier-contract",
	Required: true,
	Usage:    "account id of the on-chain passkey verifier contract",
}

var RelayURLFlag = &cli.StringFlag{
	Name:  "relay-url",
	Usage: "base URL of the registration relay; enables the atomic create-and-register path",
}

var FunderURLFlag = &cli.StringFlag{
	Name:  "funder-url",
	Usage: "base URL of the account funding service (legacy registration path)",
}

var StorageURIFlag = &cli.StringFlag{
	Name:  "storage-uri",
	Value: "file:///var/lib/passkeyd",
	Usage: "credential store backend URI (file://, s3://, ipfs://, vault://)",
}

var RPIDFlag = &cli.StringFlag{
	Name:     "rp-id",
	Required: true,
	Usage:    "WebAuthn relying-party identifier",
}

var ShamirPrimeFlag = &cli.StringFlag{
	Name:  "shamir-prime",
	Usage: "hex prime modulus for the Shamir 3-pass recovery scheme",
}

var ShamirRelayURLsFlag = &cli.StringSliceFlag{
	Name:  "shamir-relay-url",
	Usage: "collaborating relay route for the Shamir 3-pass recovery scheme (repeatable)",
}

var LinkCodeTTLFlag = &cli.DurationFlag{
	Name:  "link-code-ttl",
	Value: 5 * time.Minute,
	Usage: "validity window of issued device-link codes",
}

var InsecureTransportFlag = &cli.BoolFlag{
	Name:  "insecure-transport",
	Value: false,
	Usage: "allow registration without a secure transport context (development only)",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

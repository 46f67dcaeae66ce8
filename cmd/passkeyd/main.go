package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/passkey-account-backend/cmd/flags"
	"github.com/ruteri/passkey-account-backend/devicelink"
	"github.com/ruteri/passkey-account-backend/httpserver"
	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/ruteri/passkey-account-backend/ledger"
	"github.com/ruteri/passkey-account-backend/recovery"
	"github.com/ruteri/passkey-account-backend/registration"
	"github.com/ruteri/passkey-account-backend/session"
	"github.com/ruteri/passkey-account-backend/store"
	"github.com/ruteri/passkey-account-backend/vrf"
	"github.com/ruteri/passkey-account-backend/webauthnsim"
)

var serviceFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.RpcAddrFlag,
	flags.VerifierContractFlag,
	flags.RelayURLFlag,
	flags.FunderURLFlag,
	flags.StorageURIFlag,
	flags.RPIDFlag,
	flags.ShamirPrimeFlag,
	flags.ShamirRelayURLsFlag,
	flags.LinkCodeTTLFlag,
	flags.InsecureTransportFlag,
	&cli.StringFlag{
		Name:  "device-seed",
		Usage: "hex seed for the simulated platform authenticator (development only; random if unset)",
	},
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "passkeyd",
		Usage:  "Serve the passkey account backend API",
		Flags:  serviceFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := context.Background()

	rpcAddr := cCtx.String(flags.RpcAddrFlag.Name)
	logger.Info("Connecting to ledger RPC", "address", rpcAddr)
	ledgerClient, err := ledger.Dial(ctx, rpcAddr)
	if err != nil {
		logger.Error("Failed to dial ledger RPC", "err", err)
		return err
	}
	defer ledgerClient.Close()

	contractID, err := interfaces.NewAccountID(cCtx.String(flags.VerifierContractFlag.Name))
	if err != nil {
		logger.Error("Invalid verifier contract account id", "err", err)
		return err
	}
	verifier := ledger.NewVerifierClient(ledgerClient, contractID, cCtx.String(flags.RelayURLFlag.Name))

	// A relay URL selects the atomic create-and-register path; without one
	// the funder-based legacy path with pre-signed delete rollback is used.
	var funder interfaces.AccountFunder
	if funderURL := cCtx.String(flags.FunderURLFlag.Name); funderURL != "" {
		if cCtx.String(flags.RelayURLFlag.Name) != "" {
			return errors.New("relay-url and funder-url are mutually exclusive")
		}
		funder = ledger.NewFunder(funderURL)
	} else if cCtx.String(flags.RelayURLFlag.Name) == "" {
		return errors.New("one of relay-url or funder-url is required")
	}

	backend, err := store.NewBackendFactory(logger).BackendFor(cCtx.String(flags.StorageURIFlag.Name))
	if err != nil {
		logger.Error("Failed to create storage backend", "err", err)
		return err
	}
	logger.Info("Using credential store backend", "backend", backend.Name(), "location", backend.LocationURI())
	credentialStore := store.NewCredentialStore(backend, logger)
	if err := credentialStore.SweepJournals(ctx); err != nil {
		logger.Error("Failed to sweep registration journal", "err", err)
		return err
	}

	sessions := session.NewManager(logger)
	defer sessions.Close()

	if prime := cCtx.String(flags.ShamirPrimeFlag.Name); prime != "" {
		err := sessions.ConfigureShamir3Pass(ctx, vrf.Shamir3PassConfig{
			PrimeHex:  prime,
			RelayURLs: cCtx.StringSlice(flags.ShamirRelayURLsFlag.Name),
		})
		if err != nil {
			logger.Error("Failed to configure Shamir 3-pass recovery", "err", err)
			return err
		}
	}

	authenticator, err := buildAuthenticator(cCtx)
	if err != nil {
		logger.Error("Failed to create platform authenticator", "err", err)
		return err
	}

	rpID := cCtx.String(flags.RPIDFlag.Name)
	registrar := registration.NewOrchestrator(registration.Config{
		RPID:            rpID,
		SecureTransport: !cCtx.Bool(flags.InsecureTransportFlag.Name),
	}, logger, sessions, ledgerClient, verifier, funder, credentialStore, authenticator, nil)

	recoverer := recovery.NewOrchestrator(logger, sessions, ledgerClient, verifier, credentialStore, authenticator, rpID)
	links := devicelink.NewManager(logger, sessions, ledgerClient, credentialStore, authenticator,
		rpID, cCtx.Duration(flags.LinkCodeTTLFlag.Name))

	handler := httpserver.NewHandler(logger, sessions, ledgerClient, registrar, recoverer, links, rpID)

	listenAddr := cCtx.String(flags.ListenAddrFlag.Name)
	srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger, listenAddr), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutting down")
	srv.Shutdown()
	return nil
}

// buildAuthenticator wires the simulated platform authenticator. Real
// deployments terminate the WebAuthn ceremony on the client device and this
// process only sees its outputs; the simulator stands in for local and
// development runs.
func buildAuthenticator(cCtx *cli.Context) (interfaces.PlatformAuthenticator, error) {
	seedHex := cCtx.String("device-seed")
	if seedHex == "" {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		return webauthnsim.New(seed), nil
	}

	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) == 0 {
		return nil, fmt.Errorf("invalid device-seed: %v", err)
	}
	return webauthnsim.New(seed), nil
}

// Command hoctl is the issuing-device CLI: it records sessions, certifies
// them with the authority (or locally when the authority is unreachable),
// delivers queued mutations and verifies project chains.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/client"
	"github.com/427h5dvrch-lang/human-origin/internal/config"
	"github.com/427h5dvrch-lang/human-origin/internal/crypto"
	"github.com/427h5dvrch-lang/human-origin/internal/localdb"
	"github.com/427h5dvrch-lang/human-origin/internal/logging"
	"github.com/427h5dvrch-lang/human-origin/internal/queue"
)

const version = "0.3.0"

var (
	errUsage  = errors.New("usage")
	errFailed = errors.New("verification failed")
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1], os.Args[2:])
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		usage()
		os.Exit(2)
	case errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	case errors.Is(err, errFailed):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "hoctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "login":
		return cmdLogin(ctx, args)
	case "logout":
		return cmdLogout(ctx, args)
	case "whoami":
		return cmdWhoami(ctx, args)
	case "keygen":
		return cmdKeygen(ctx, args)
	case "key":
		return sub(ctx, args, map[string]command{"export": cmdKeyExport, "import": cmdKeyImport, "show": cmdKeyShow})
	case "project":
		return sub(ctx, args, map[string]command{"init": cmdProjectInit, "list": cmdProjectList})
	case "session":
		return sub(ctx, args, map[string]command{"start": cmdSessionStart, "stop": cmdSessionStop, "list": cmdSessionList})
	case "certify":
		return cmdCertify(ctx, args)
	case "draft":
		return sub(ctx, args, map[string]command{"save": cmdDraftSave, "show": cmdDraftShow, "list": cmdDraftList, "delete": cmdDraftDelete})
	case "flush":
		return cmdFlush(ctx, args)
	case "queue":
		return sub(ctx, args, map[string]command{"list": cmdQueueList, "retry": cmdQueueRetry, "drop": cmdQueueDrop})
	case "master":
		return cmdMaster(ctx, args)
	case "verify":
		return cmdVerify(ctx, args)
	case "version", "--version", "-v":
		fmt.Printf("hoctl v%s\n", version)
		return nil
	case "help", "--help", "-h":
		usage()
		return nil
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

type command func(ctx context.Context, args []string) error

func sub(ctx context.Context, args []string, cmds map[string]command) error {
	if len(args) == 0 {
		return errUsage
	}
	c, ok := cmds[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown subcommand %q", errUsage, args[0])
	}
	return c(ctx, args[1:])
}

func usage() {
	fmt.Fprint(os.Stderr, `hoctl - Human Origin issuing device

Usage:
  hoctl login --username NAME [--password-stdin]
  hoctl logout
  hoctl whoami
  hoctl keygen [--force]
  hoctl key show
  hoctl key export --format pem|pkcs12|openssh [--out FILE] [--password PW]
  hoctl key import --format pem|pkcs12|openssh --in FILE [--password PW] [--force]
  hoctl project init NAME
  hoctl project list
  hoctl session start --project NAME
  hoctl session stop [--session ID] [--active-ms N] [--idle-ms N] [--events N] [--scp N] [--evidence N]
  hoctl session list --project NAME
  hoctl certify [--session ID | --project NAME] [--diag JSON]
  hoctl draft save --session ID [--in FILE]
  hoctl draft show --session ID [--out FILE]
  hoctl draft list
  hoctl draft delete --session ID
  hoctl flush
  hoctl queue list [--failed]
  hoctl queue retry [--id N]
  hoctl queue drop --id N
  hoctl master --project NAME
  hoctl verify --project NAME [--master-hash HASH]

Every command accepts the configuration flags (--config, --device.*, --log.*).
Run 'hoctl COMMAND --help' for details.
`)
}

func defaultConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hoctl.yaml"
	}
	return filepath.Join(home, ".human-origin", "config.yaml")
}

// newFlagSet returns a flag set for name with the configuration flags
// registered.
func newFlagSet(name string) (*flag.FlagSet, *config.Flags) {
	fs := flag.NewFlagSet("hoctl "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs, config.NewFlags(fs, defaultConfigFile())
}

// device is the local state of the issuing device.
type device struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *localdb.Store
	queue  *queue.Queue
}

func openDevice(ctx context.Context, flags *config.Flags) (*device, error) {
	cfg, err := config.Load(flags.ConfigFile(), flags)
	if err != nil {
		return nil, err
	}
	// stdout carries command output.
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	store, err := localdb.Open(ctx, cfg.Device.StatePath)
	if err != nil {
		return nil, err
	}
	q := queue.New(store.DB(), queue.Options{
		MaxAttempts: cfg.Device.MaxAttempts,
		BackoffBase: cfg.Device.BackoffBase,
		BackoffMax:  cfg.Device.BackoffMax,
	}, logger)

	return &device{cfg: cfg, logger: logger, store: store, queue: q}, nil
}

func (d *device) Close() {
	_ = d.logger.Sync()
	_ = d.store.Close()
}

func (d *device) identity(ctx context.Context) (client.Identity, error) {
	id, err := client.LoadIdentity(ctx, d.store)
	if errors.Is(err, client.ErrNotLoggedIn) {
		return id, fmt.Errorf("%w: run 'hoctl login' first", err)
	}
	return id, err
}

func (d *device) authority(token string) *client.Authority {
	return client.NewAuthority(d.cfg.Device.AuthorityURL, token, d.cfg.Device.RequestTimeout, d.logger)
}

func (d *device) deviceKey() (ed25519.PrivateKey, error) {
	priv, err := crypto.LoadDeviceKey(d.cfg.Device.KeyPath, []byte(d.cfg.Device.KeyPassphrase))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no device key at %s: run 'hoctl keygen' first", d.cfg.Device.KeyPath)
	}
	return priv, err
}

func (d *device) signer() (*crypto.Signer, error) {
	priv, err := d.deviceKey()
	if err != nil {
		return nil, err
	}
	return crypto.NewSigner(priv, d.cfg.Device.KeyID)
}

// project resolves a project name of the signed in user.
func (d *device) project(ctx context.Context, userID, name string) (*localdb.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: --project is required", errUsage)
	}
	p, err := d.store.ProjectByName(ctx, userID, name)
	if errors.Is(err, localdb.ErrNotFound) {
		return nil, fmt.Errorf("unknown project %q: run 'hoctl project init %s' first", name, name)
	}
	return p, err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
	"github.com/posener/complete"

	"github.com/reflexsoar/reflexsoar-agent/agent"
	"github.com/reflexsoar/reflexsoar-agent/vault"
)

// Environment variables that override the pairing flags.
const (
	EnvPairMode  = "REFLEX_AGENT_PAIR_MODE"
	EnvAPIHost   = "REFLEX_API_HOST"
	EnvPairToken = "REFLEX_AGENT_PAIR_TOKEN"
	EnvVaultKey  = "REFLEX_AGENT_VAULT_SECRET"
)

// AgentCommand is the command that runs, pairs and manages the agent.
type AgentCommand struct {
	Meta

	pair           bool
	pairSkipStart  bool
	start          bool
	console        string
	token          string
	groups         string
	clearConfig    bool
	resetPairing   string
	viewConfig     bool
	setConfigValue string
	envFile        string
	heartbeat      bool
	offline        bool
	configPath     string
	initVault      bool
	vaultPath      string
	vaultName      string
	vaultKey       string
	addSecret      bool
	ignoreTLS      bool
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: reflexsoar-agent agent [options]

  Runs the ReflexSOAR agent, or performs one of the agent management
  actions and exits.

Agent Options:

  -start
    Start the agent with the persisted configuration.

  -pair
    Pair the agent with the management console. Implies -start unless
    -pair-skip-start is given.

  -pair-skip-start
    Skip starting the agent after pairing.

  -console=<url>
    The management console URL. Overridden by ` + EnvAPIHost + `.

  -token=<token>
    The management console access token. Overridden by ` + EnvPairToken + `.

  -groups=<g1,g2>
    Groups this agent should be added to when pairing.

  -ignore-tls
    Skip TLS certificate verification against the console.

  -heartbeat
    Send a single heartbeat to the management console and exit.

  -offline
    Run the agent in offline mode.

  -config-path=<dir>
    Directory holding the persistent agent configuration.

  -view-config
    Print the agent configuration and exit.

  -set-config-value=KEY:VALUE
    Set a configuration value. List settings take comma separated values.

  -clear-persistent-config
    Delete the persistent configuration file.

  -reset-console-pairing=<url>
    Forget the pairing with the given console. The agent record on the
    console is not deleted.

  -env-file=<path>
    Load environment variables from the given dotenv file.

Vault Options:

  -init-secrets-vault
    Initialize the secrets vault and exit.

  -add-secret
    Prompt for a username and password and store them in the vault.

  -vault-path=<dir>
    Directory holding the secrets vault file.

  -vault-name=<file>
    File name of the secrets vault.

  -vault-key=<key>
    The vault encryption key. Overridden by ` + EnvVaultKey + `.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Run or manage the ReflexSOAR agent"
}

func (c *AgentCommand) Name() string { return "agent" }

func (c *AgentCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-start":                   complete.PredictNothing,
		"-pair":                    complete.PredictNothing,
		"-pair-skip-start":         complete.PredictNothing,
		"-console":                 complete.PredictAnything,
		"-token":                   complete.PredictAnything,
		"-groups":                  complete.PredictAnything,
		"-ignore-tls":              complete.PredictNothing,
		"-heartbeat":               complete.PredictNothing,
		"-offline":                 complete.PredictNothing,
		"-config-path":             complete.PredictDirs("*"),
		"-view-config":             complete.PredictNothing,
		"-set-config-value":        complete.PredictAnything,
		"-clear-persistent-config": complete.PredictNothing,
		"-reset-console-pairing":   complete.PredictAnything,
		"-env-file":                complete.PredictFiles("*"),
		"-init-secrets-vault":      complete.PredictNothing,
		"-add-secret":              complete.PredictNothing,
		"-vault-path":              complete.PredictDirs("*"),
		"-vault-name":              complete.PredictAnything,
		"-vault-key":               complete.PredictAnything,
	}
}

func (c *AgentCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *AgentCommand) Run(args []string) int {
	flags := c.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	flags.BoolVar(&c.pair, "pair", false, "")
	flags.BoolVar(&c.pairSkipStart, "pair-skip-start", false, "")
	flags.BoolVar(&c.start, "start", false, "")
	flags.StringVar(&c.console, "console", "", "")
	flags.StringVar(&c.token, "token", "", "")
	flags.StringVar(&c.groups, "groups", "", "")
	flags.BoolVar(&c.ignoreTLS, "ignore-tls", false, "")
	flags.BoolVar(&c.clearConfig, "clear-persistent-config", false, "")
	flags.StringVar(&c.resetPairing, "reset-console-pairing", "", "")
	flags.BoolVar(&c.viewConfig, "view-config", false, "")
	flags.StringVar(&c.setConfigValue, "set-config-value", "", "")
	flags.StringVar(&c.envFile, "env-file", "", "")
	flags.BoolVar(&c.heartbeat, "heartbeat", false, "")
	flags.BoolVar(&c.offline, "offline", false, "")
	flags.StringVar(&c.configPath, "config-path", "", "")
	flags.BoolVar(&c.initVault, "init-secrets-vault", false, "")
	flags.StringVar(&c.vaultPath, "vault-path", "", "")
	flags.StringVar(&c.vaultName, "vault-name", "", "")
	flags.StringVar(&c.vaultKey, "vault-key", "", "")
	flags.BoolVar(&c.addSecret, "add-secret", false, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil {
			c.Ui.Error(fmt.Sprintf("Failed to load env file: %v", err))
			return 1
		}
	}

	// Environment variables override the command line.
	if os.Getenv(EnvPairMode) != "" {
		c.pair = true
	}
	if v := os.Getenv(EnvAPIHost); v != "" {
		c.console = v
	}
	if v := os.Getenv(EnvPairToken); v != "" {
		c.token = v
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "reflexsoar-agent",
		Level: hclog.Info,
	})

	a, err := agent.New(agent.Config{
		DataDir: c.configPath,
		Offline: c.offline,
		Logger:  logger,
	})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to initialize agent: %v", err))
		return 1
	}

	if c.initVault {
		if code := c.initSecretsVault(); code != 0 {
			return code
		}
	}

	if c.addSecret {
		if code := c.addSecretToVault(); code != 0 {
			return code
		}
	}

	if c.setConfigValue != "" {
		key, value, found := strings.Cut(c.setConfigValue, ":")
		if !found {
			c.Ui.Error("Expected -set-config-value=KEY:VALUE")
			return 1
		}
		if err := a.SetConfigValue(key, value); err != nil {
			c.Ui.Error(fmt.Sprintf("Failed to set %q: %v", key, err))
			return 1
		}
	}

	if c.viewConfig {
		rendered, err := a.Config().JSON(true)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Failed to render configuration: %v", err))
			return 1
		}
		c.Ui.Output("Configuration Preview:")
		c.Ui.Output(rendered)
	}

	if c.clearConfig {
		if _, err := a.ClearPersistentConfig(); err != nil {
			c.Ui.Error(fmt.Sprintf("Failed to clear persistent config: %v", err))
			return 1
		}
	}

	if c.resetPairing != "" {
		c.Ui.Info(fmt.Sprintf("Resetting console pairing for %s", c.resetPairing))
		if err := a.ResetConsolePairing(c.resetPairing); err != nil {
			c.Ui.Error(fmt.Sprintf("Failed to reset console pairing: %v", err))
			return 1
		}
	}

	if c.heartbeat {
		if !a.Heartbeat(true) {
			c.Ui.Error("Failed to send heartbeat.")
			return 1
		}
	}

	if c.pair {
		var groups []string
		if c.groups != "" {
			groups = strings.Split(c.groups, ",")
		}
		if err := a.Pair(c.console, c.token, groups, c.ignoreTLS); err != nil {
			c.Ui.Error(fmt.Sprintf("Error during pairing process. %v", err))
			return 1
		}
		if !c.pairSkipStart {
			return a.Run(c.shutdownCh())
		}
	}

	if c.start {
		return a.Run(c.shutdownCh())
	}
	return 0
}

// shutdownCh returns a channel closed on SIGINT or SIGTERM.
func (c *AgentCommand) shutdownCh() <-chan struct{} {
	shutdownCh := make(chan struct{})
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		close(shutdownCh)
	}()
	return shutdownCh
}

func (c *AgentCommand) initSecretsVault() int {
	key := c.vaultKey
	if v := os.Getenv(EnvVaultKey); v != "" {
		key = v
	}
	if key == "" {
		entered, err := c.Ui.AskSecret("Enter vault key:")
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Failed to read vault key: %v", err))
			return 1
		}
		key = entered
	}

	v, err := vault.NewVault(vault.Config{
		Path:       c.vaultPath,
		Name:       c.vaultName,
		SecretKey:  key,
		EmptyVault: true,
	})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to open vault: %v", err))
		return 1
	}
	if err := v.Setup(); err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to initialize vault: %v", err))
		return 1
	}

	c.Ui.Info(fmt.Sprintf(
		"Vault %s initialized. Document the secret key for future use.", v.Name()))
	if os.Getenv(EnvVaultKey) == "" && key == "" {
		c.Ui.Info(fmt.Sprintf("Vault Key: %s", v.SecretKey()))
	}
	return 0
}

func (c *AgentCommand) addSecretToVault() int {
	if os.Getenv(EnvVaultKey) == "" {
		c.Ui.Error(EnvVaultKey + " environment variable not set.")
		return 1
	}

	v, err := vault.NewVault(vault.Config{
		Path: c.vaultPath,
		Name: c.vaultName,
	})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to open vault: %v", err))
		return 1
	}

	username, err := c.Ui.AskSecret("Username:")
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to read username: %v", err))
		return 1
	}
	password, err := c.Ui.AskSecret("Password:")
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to read password: %v", err))
		return 1
	}

	id, err := v.Create(username, password)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to store secret: %v", err))
		return 1
	}
	c.Ui.Info(fmt.Sprintf("Secret %s added to vault.", id))
	return 0
}

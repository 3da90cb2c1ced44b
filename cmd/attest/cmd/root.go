// Package cmd provides the CLI commands for attest.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/abdul-hamid-achik/attest/internal/config"
	"github.com/abdul-hamid-achik/attest/internal/logging"
)

var (
	cfgFile    string
	vaultDir   string
	serverURL  string
	apiToken   string
	jsonOutput bool
	verbose    bool
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "attest",
	Short: "attest - sign documents with vaulted identities",
	Long: `attest keeps signing identities in an encrypted vault, signs documents
with them, timestamps the signatures, and records every action in a
tamper-evident audit chain.

Get started:
  attest init                        Initialize a new vault
  attest identity create "Legal"     Create a signing identity
  attest sign contract.pdf -i Legal  Sign a document
  attest verify contract.pdf.attest  Verify a signed document
  attest audit verify                Check the audit chain

Examples:
  attest init
  attest sign report.pdf --identity Legal --reason "Approved" --location Lisbon
  attest audit list --page 2
  attest --server https://attest.internal --token $TOKEN identity list`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		level := viper.GetString("log.level")
		if isVerbose() {
			level = "debug"
		}
		logging.Setup(stderr, level, false)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.attest/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&vaultDir, "vault", "", "vault directory (default ~/.attest)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "attest server URL; keeps identities, signatures and audit remotely")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "bearer token for --server")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	viper.BindPFlag("vault", rootCmd.PersistentFlags().Lookup("vault"))
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(filepath.Join(home, defaultVaultDir))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	config.SetDefaults(viper.GetViper())
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Load config file if it exists.
	_ = viper.ReadInConfig()
}

// loadConfig resolves the CLI configuration. Local storage always lives in
// the vault directory.
func loadConfig() (*config.Config, error) {
	viper.Set("storage.driver", config.DriverBolt)
	viper.Set("storage.path", filepath.Join(getVaultDir(), vaultFile))
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// isVerbose returns whether verbose mode is enabled.
func isVerbose() bool {
	if verbose {
		return true
	}
	return viper.GetBool("verbose")
}

// getServer returns the remote server URL, or "" for local storage.
func getServer() string {
	if serverURL != "" {
		return serverURL
	}
	return viper.GetString("server")
}

func getToken() string {
	if apiToken != "" {
		return apiToken
	}
	return viper.GetString("token")
}

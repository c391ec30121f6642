// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/internal/cfgutil"
	"github.com/btcsuite/walletindexer/proposal"
	"github.com/btcsuite/walletindexer/synchronizer"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "walletindexer.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "walletindexer.log"
	defaultDBFilename     = "index.db"
	defaultAPIPort        = "8090"
	defaultAPIMaxClients  = 100
	defaultEventURL       = "ws://localhost:8080/v1a/event_ws"
	defaultNodeRPC        = "localhost:8332"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	dbDriverSQLite   = "sqlite"
	dbDriverPostgres = "postgres"
)

var (
	indexerHomeDir    = btcutil.AppDataDir("walletindexer", false)
	defaultConfigFile = filepath.Join(indexerHomeDir, defaultConfigFilename)
	defaultDataDir    = indexerHomeDir
	defaultLogDir     = filepath.Join(indexerHomeDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile     *cfgutil.ExplicitString `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion    bool                    `short:"V" long:"version" description:"Display version information and exit"`
	DataDir        string                  `short:"b" long:"datadir" description:"Directory to store the SQLite index"`
	LogDir         string                  `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int                     `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int                     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string                  `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Database options
	DBDriver string                  `long:"dbdriver" description:"Database backend {sqlite, postgres}"`
	DBDSN    *cfgutil.ExplicitString `long:"dbdsn" description:"Database connection string (default: index.db in the data directory for sqlite)"`

	// Event stream options
	EventURL             string        `long:"eventurl" description:"Websocket URL of the node's event stream"`
	WindowSize           uint32        `long:"windowsize" description:"Number of unacknowledged events the node may send"`
	RewardSpendMinBlocks uint64        `long:"rewardspendminblocks" description:"Number of blocks before a block reward can be spent"`
	UnlockInterval       time.Duration `long:"unlockinterval" description:"Interval between sweeps unlocking expired time-locked outputs"`
	ReconnectMin         time.Duration `long:"reconnectmin" description:"Initial delay before reconnecting to the event stream"`
	ReconnectMax         time.Duration `long:"reconnectmax" description:"Maximum delay before reconnecting to the event stream"`

	// Node RPC options
	NodeRPC          string        `long:"noderpc" description:"Hostname/IP and port of the node RPC server used to broadcast transactions"`
	NodeRPCUser      string        `long:"noderpcuser" description:"Username for node RPC authentication"`
	NodeRPCPass      string        `long:"noderpcpass" default-mask:"-" description:"Password for node RPC authentication"`
	NodeRPCNoTLS     bool          `long:"noderpcnotls" description:"Disable TLS for the node RPC client -- NOTE: This is only allowed if the node is on localhost"`
	NodeRPCCert      string        `long:"noderpccert" description:"File containing the certificate of the node RPC server"`
	BroadcastTimeout time.Duration `long:"broadcasttimeout" description:"Time allowed for broadcasting a transaction"`

	// API server options
	APIListeners  []string `long:"apilisten" description:"Listen for API connections on this interface/port (default port: 8090)"`
	APIUser       string   `long:"apiuser" description:"Username for API authentication"`
	APIPass       string   `long:"apipass" default-mask:"-" description:"Password for API authentication"`
	APIMaxClients int64    `long:"apimaxclients" description:"Max number of concurrent API requests"`
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(indexerHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// defaultConfig returns the configuration used when neither a config file
// nor command line options override it.
func defaultConfig() config {
	return config{
		ConfigFile:           cfgutil.NewExplicitString(defaultConfigFile),
		DebugLevel:           defaultLogLevel,
		DataDir:              defaultDataDir,
		LogDir:               defaultLogDir,
		MaxLogFiles:          defaultMaxLogFiles,
		MaxLogFileSize:       defaultMaxLogFileSize,
		DBDriver:             dbDriverSQLite,
		DBDSN:                cfgutil.NewExplicitString(""),
		EventURL:             defaultEventURL,
		WindowSize:           synchronizer.DefaultWindowSize,
		RewardSpendMinBlocks: synchronizer.DefaultRewardSpendMinBlocks,
		UnlockInterval:       synchronizer.DefaultUnlockInterval,
		ReconnectMin:         synchronizer.DefaultReconnectMin,
		ReconnectMax:         synchronizer.DefaultReconnectMax,
		NodeRPC:              defaultNodeRPC,
		BroadcastTimeout:     proposal.DefaultBroadcastTimeout,
		APIMaxClients:        defaultAPIMaxClients,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in walletindexer functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile.Value)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.  A missing default config file is expected.
	if configFileError != nil && cfg.ConfigFile.ExplicitlySet() {
		log.Warnf("%v", configFileError)
	}

	if err := validateConfig(&cfg); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}

// validateConfig checks the parsed options and fills in the defaults that
// depend on other options.
func validateConfig(cfg *config) error {
	switch cfg.DBDriver {
	case dbDriverSQLite:
		if !cfg.DBDSN.ExplicitlySet() {
			if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
				return fmt.Errorf("cannot create data directory: %w",
					err)
			}
			cfg.DBDSN.Value = filepath.Join(
				cfg.DataDir, defaultDBFilename,
			)
		}

	case dbDriverPostgres:
		if cfg.DBDSN.Value == "" {
			return fmt.Errorf("--dbdsn is required for the %s "+
				"backend", dbDriverPostgres)
		}

	default:
		return fmt.Errorf("unknown database backend %q -- supported "+
			"backends {%s, %s}", cfg.DBDriver, dbDriverSQLite,
			dbDriverPostgres)
	}

	if cfg.EventURL == "" {
		return fmt.Errorf("--eventurl is required")
	}
	if cfg.WindowSize == 0 {
		return fmt.Errorf("--windowsize must be positive")
	}
	if cfg.ReconnectMin <= 0 || cfg.ReconnectMax < cfg.ReconnectMin {
		return fmt.Errorf("--reconnectmax (%v) must not be below "+
			"--reconnectmin (%v), which must be positive",
			cfg.ReconnectMax, cfg.ReconnectMin)
	}
	if cfg.UnlockInterval <= 0 {
		return fmt.Errorf("--unlockinterval must be positive")
	}

	if cfg.APIUser == "" || cfg.APIPass == "" {
		return fmt.Errorf("--apiuser and --apipass must be set")
	}

	// Add default port to connect flag if missing.
	var err error
	cfg.NodeRPC, err = cfgutil.NormalizeAddress(cfg.NodeRPC, "8332")
	if err != nil {
		return fmt.Errorf("invalid noderpc network address: %w", err)
	}

	if cfg.NodeRPCNoTLS {
		host, _, err := net.SplitHostPort(cfg.NodeRPC)
		if err != nil {
			return err
		}
		if !cfgutil.IsLoopback(host) {
			return fmt.Errorf("the --noderpcnotls option may not "+
				"be used when connecting to non localhost "+
				"addresses: %s", cfg.NodeRPC)
		}
	} else if cfg.NodeRPCCert != "" {
		cfg.NodeRPCCert = cleanAndExpandPath(cfg.NodeRPCCert)
	}

	if len(cfg.APIListeners) == 0 {
		addrs, err := net.LookupHost("localhost")
		if err != nil {
			return err
		}
		cfg.APIListeners = make([]string, 0, len(addrs))
		for _, addr := range addrs {
			addr = net.JoinHostPort(addr, defaultAPIPort)
			cfg.APIListeners = append(cfg.APIListeners, addr)
		}
	}

	// Add default port to all listener addresses if needed and remove
	// duplicate addresses.
	cfg.APIListeners, err = cfgutil.NormalizeAddresses(
		cfg.APIListeners, defaultAPIPort,
	)
	if err != nil {
		return fmt.Errorf("invalid network address in API listeners: %w",
			err)
	}

	return nil
}

// indexDriver maps the --dbdriver option to the database/sql driver name.
func (c *config) indexDriver() string {
	if c.DBDriver == dbDriverPostgres {
		return indexdb.DriverPostgres
	}

	return indexdb.DriverSQLite
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"obd2relay/internal/config"
	"obd2relay/internal/db"
	"obd2relay/internal/levels"
	"obd2relay/internal/models"
	"obd2relay/internal/state"
	"obd2relay/internal/units"
)

var version = "dev"

var (
	cfgFile  string
	v        = viper.New()
	cfg      *config.Config
	logger   zerolog.Logger
	database *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "obd2relay",
		Short: "OBD2 Relay - vehicle telemetry acquisition and aggregation",
		Long: `A service that polls an OBD2 adapter, keeps a rolling window of telemetry
samples in memory, relays a spare tank level from an upstream gauge and
serves everything over a small HTTP API backed by SQLite.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			logger = buildLogger(cfg.Log)
			return nil
		},
	}

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Config file (default ./obd2relay.yaml)")
	pf.String("db", "obd2relay.db", "Path to SQLite database")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.Bool("log-pretty", false, "Human readable console logs")
	bindFlag("db.path", pf.Lookup("db"))
	bindFlag("log.level", pf.Lookup("log-level"))
	bindFlag("log.pretty", pf.Lookup("log-pretty"))

	// Add commands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(levelsCmd())
	rootCmd.AddCommand(prefsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bindFlag lets a command-line flag override a config key.
func bindFlag(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind %s: %v", key, err))
	}
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(cfg.DB.Path)
	return err
}

// buildLogger configures the process-wide logger from the log section.
func buildLogger(lc config.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if lc.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "obd2relay").Logger()
}

// levelsCmd manages the tank levels log
func levelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "levels",
		Short: "Tank levels log commands",
	}

	// History subcommand
	var limit int
	var outputFormat string
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded tank levels, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			entries, err := database.ListLevels(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("error listing levels: %w", err)
			}

			switch outputFormat {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			default:
				if len(entries) == 0 {
					fmt.Println("No tank levels recorded. Use 'obd2relay levels set' to add one.")
					return nil
				}
				fmt.Printf("%-6s %-20s %-12s %-12s %-10s %-10s\n", "ID", "Recorded", "Main (L)", "Aux (L)", "Price/L", "Odometer")
				fmt.Println(strings.Repeat("-", 75))
				for _, l := range entries {
					n := units.Normalize(l)
					fmt.Printf("%-6d %-20s %-12.2f %-12.2f %-10.3f %-10.0f\n",
						l.ID, l.CreatedAt.Local().Format("2006-01-02 15:04:05"),
						n.MainTankLevelLiters, n.AuxTankLevelLiters, n.PricePerLiter, n.Odometer)
				}
			}
			return nil
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum entries to show")
	historyCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")

	// Set subcommand
	var entry models.TankLevels
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Record a tank levels entry",
		Long: `Record a tank levels entry. Volumes tagged "L" are kept as liters and any
other unit is read as US gallons. A running server only raises its
new-reading flag for entries posted to /levels.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			svc := levels.NewService(database, state.New(), logger)
			saved, err := svc.Record(cmd.Context(), entry)
			if err != nil {
				return fmt.Errorf("error recording levels: %w", err)
			}

			n := units.Normalize(saved)
			fmt.Printf("✓ Recorded entry %d\n", saved.ID)
			fmt.Printf("  Main tank:  %.2f L\n", n.MainTankLevelLiters)
			fmt.Printf("  Aux tank:   %.2f L\n", n.AuxTankLevelLiters)
			fmt.Printf("  Price:      %.3f /L\n", n.PricePerLiter)
			fmt.Printf("  Odometer:   %.0f\n", n.Odometer)
			return nil
		},
	}
	setCmd.Flags().Float64VarP(&entry.MainTankLevel, "main", "m", 0, "Main tank level")
	setCmd.Flags().StringVar(&entry.MainTankUnit, "main-unit", models.UnitLiters, "Main tank unit (L, gal)")
	setCmd.Flags().Float64VarP(&entry.AuxTankLevel, "aux", "a", 0, "Aux tank level")
	setCmd.Flags().StringVar(&entry.AuxTankUnit, "aux-unit", models.UnitLiters, "Aux tank unit (L, gal)")
	setCmd.Flags().Float64VarP(&entry.MainTankPrice, "price", "p", 0, "Fuel price")
	setCmd.Flags().StringVar(&entry.PriceUnit, "price-unit", models.UnitPerLiter, "Price unit (/L, /gal)")
	setCmd.Flags().Float64Var(&entry.Odometer, "odometer", 0, "Odometer reading")

	cmd.AddCommand(historyCmd, setCmd)
	return cmd
}

// prefsCmd manages stored preferences
func prefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Preference commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			prefs, err := database.ListPreferences(cmd.Context())
			if err != nil {
				return fmt.Errorf("error listing preferences: %w", err)
			}
			if len(prefs) == 0 {
				fmt.Println("No preferences set.")
				return nil
			}

			keys := make([]string, 0, len(prefs))
			for k := range prefs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-20s %s\n", k, prefs[k])
			}
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Show a preference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			value, err := database.GetPreference(cmd.Context(), args[0])
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("preference %q is not set", args[0])
			}
			if err != nil {
				return fmt.Errorf("error reading preference: %w", err)
			}
			fmt.Println(value)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a preference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := db.ValidatePreference(key, value); err != nil {
				return err
			}
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			if err := database.SetPreference(cmd.Context(), key, value); err != nil {
				return fmt.Errorf("error saving preference: %w", err)
			}
			fmt.Printf("✓ %s = %s\n", key, value)
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, setCmd)
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx := cmd.Context()
			stats, err := database.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}
			capacity, err := database.TankCapacity(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("tank capacity preference unreadable")
			}

			fmt.Println("📊 OBD2 Relay Statistics")
			fmt.Println("========================")
			fmt.Printf("  Tank Level Entries: %v\n", stats["tank_level_entries"])
			fmt.Printf("  Preferences:        %v\n", stats["preferences"])
			fmt.Printf("  Tank Capacity:      %.1f L\n", capacity)
			fmt.Printf("  Database:           %s\n", cfg.DB.Path)

			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("obd2relay", version)
		},
	}
}

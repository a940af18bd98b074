package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dmsdk/internal/app"
	"dmsdk/internal/assembler"
	"dmsdk/internal/catalog"
	"dmsdk/internal/config"
	"dmsdk/internal/ctxlog"
	"dmsdk/internal/db"
	"dmsdk/internal/engine"
	"dmsdk/internal/migrate"
	"dmsdk/internal/repo"
	"dmsdk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dmsdk",
	Short: "DataMiner package builder",
	Long: `dmsdk turns a DataMiner solution project into an installable .dmapp package
and publishes it to the DataMiner catalog.
- build: resolve the project closure and write <output>/<PackageID>.<Version>.dmapp.
- catalog-info: zip the CatalogInformation folder next to the package.
- publish: register the catalog information and upload the package as a version.
- closure: show the projects that end up in the package.
- log tail: show the build and publish history of the workspace.
- catalog serve: run a local catalog for offline publish and download.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		logger := ctxlog.New(os.Stderr, viper.GetString("log-format"), viper.GetString("log-level"))
		slog.SetDefault(logger)
		cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DMSDK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory holding the .dmsdk history")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

var buildFlagNames = []string{"package-id", "version", "minimum-dm-version", "configuration", "base-output-path",
	"publish-key-name", "download-key-name", "version-description", "catalog-url", "nuget-packages"}

// addBuildFlags registers the dmsdk.yml overrides shared by build and
// publish commands. Flags are bound when the command runs since several
// commands share the same viper keys.
func addBuildFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("package-id", "", "package id (defaults to the project name)")
	flags.String("version", "", "package version")
	flags.String("minimum-dm-version", "", "minimum DataMiner version, a.b.c.d[-build]")
	flags.String("configuration", "", "build configuration (Release, Debug)")
	flags.String("base-output-path", "", "output base directory")
	flags.String("publish-key-name", "", "name of the catalog publish key secret")
	flags.String("download-key-name", "", "name of the catalog download key secret")
	flags.String("version-description", "", "catalog version description")
	flags.String("catalog-url", "", "catalog base URL")
	flags.String("nuget-packages", "", "NuGet packages directory")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		for _, name := range buildFlagNames {
			if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}
		return nil
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(catalogInfoCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(closureCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(catalogCmd())
}

func overrides() app.Overrides {
	return app.Overrides{
		PackageID:          viper.GetString("package-id"),
		Version:            viper.GetString("version"),
		MinimumDmVersion:   viper.GetString("minimum-dm-version"),
		Configuration:      viper.GetString("configuration"),
		BaseOutputPath:     viper.GetString("base-output-path"),
		PublishKeyName:     viper.GetString("publish-key-name"),
		DownloadKeyName:    viper.GetString("download-key-name"),
		VersionDescription: viper.GetString("version-description"),
		CatalogBaseURL:     viper.GetString("catalog-url"),
		NuGetPackagesDir:   viper.GetString("nuget-packages"),
	}
}

func projectArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a default dmsdk.yml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(projectArg(args))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func buildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [project]",
		Short: "Create the .dmapp package of a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), projectArg(args), func(ctx context.Context, e engine.Engine, s app.Settings) error {
				res, err := e.CreatePackage(ctx, s)
				if err != nil {
					return err
				}
				if res.Outcome == assembler.OutcomeCancelled {
					fmt.Println("package creation cancelled")
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Created %s (%d entries, %s)\n", res.Path, len(res.Entries), res.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	addBuildFlags(cmd)
	return cmd
}

func catalogInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog-info [project]",
		Short: "Zip the CatalogInformation folder of a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), projectArg(args), func(ctx context.Context, e engine.Engine, s app.Settings) error {
				path, err := e.CreateCatalogInformation(ctx, s)
				if err != nil {
					return err
				}
				if path == "" {
					fmt.Printf("no CatalogInformation folder in %s\n", s.ProjectDir)
					return nil
				}
				fmt.Println("Created", path)
				return nil
			})
		},
	}
	addBuildFlags(cmd)
	return cmd
}

func publishCmd() *cobra.Command {
	var build bool
	cmd := &cobra.Command{
		Use:   "publish [project]",
		Short: "Publish the package of a project to the catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), projectArg(args), func(ctx context.Context, e engine.Engine, s app.Settings) error {
				if build {
					res, err := e.CreatePackage(ctx, s)
					if err != nil {
						return err
					}
					if res.Outcome == assembler.OutcomeCancelled {
						fmt.Println("package creation cancelled")
						return nil
					}
				}
				res, err := e.Publish(ctx, s)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.AlreadyExisted {
					fmt.Printf("Version %s already exists for %s\n", res.Version, res.ArtifactID)
					return nil
				}
				fmt.Printf("Published %s version %s\n", res.ArtifactID, res.Version)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&build, "build", false, "create the package before publishing")
	addBuildFlags(cmd)
	return cmd
}

func closureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "closure [project]",
		Short: "List the projects included in the package",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), projectArg(args), func(ctx context.Context, e engine.Engine, s app.Settings) error {
				root, linked, err := e.Closure(ctx, s)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"root": root, "linked": linked})
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Project", "Type", "Path"})
				t.AppendRow(table.Row{root.Name + " (root)", root.Type, relPath(s.ProjectDir, root.Path)})
				for _, p := range linked {
					t.AppendRow(table.Row{p.Name, p.Type, relPath(s.ProjectDir, p.Path)})
				}
				t.Render()
				return nil
			})
		},
	}
	addBuildFlags(cmd)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Build and publish history",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var project string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.History(ctx, project, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Time", "Type", "Project", "Package", "Version"})
				for _, ev := range evts {
					t.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.Project, ev.PackageID, ev.Version})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&project, "project", "", "only events of this project")
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Local catalog",
	}
	cmd.AddCommand(catalogServeCmd())
	return cmd
}

func catalogServeCmd() *cobra.Command {
	var addr, dataDir, keyName string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a local catalog API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				dataDir = viper.GetString("workspace")
			}
			if _, err := db.EnsureWorkspace(dataDir); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: dataDir})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			if key, ok := config.LookupSecret(keyName, os.LookupEnv); ok {
				if _, err := server.EnsureSubscriptionKey(cmd.Context(), r, keyName, key); err != nil {
					return err
				}
			}
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("DMSDK_JWT_SECRET"),
				Logger:    log.New(os.Stderr, "catalog: ", log.LstdFlags),
			}
			handler, err := server.New(server.Config{Repo: r, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving local catalog on http://%s (OpenAPI at /openapi.json)\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&dataDir, "data", "", "directory holding the catalog database (defaults to the workspace)")
	cmd.Flags().StringVar(&keyName, "key-name", config.DefaultPublishKeyName, "secret name of a subscription key to accept")
	return cmd
}

// withEngine resolves the project settings, opens the history database and
// runs fn.
func withEngine(ctx context.Context, project string, fn func(context.Context, engine.Engine, app.Settings) error) error {
	s, _, err := app.ResolveSettings(project, overrides())
	if err != nil {
		return err
	}
	return withDB(ctx, func(ctx context.Context, e engine.Engine) error {
		client := catalogClient(s)
		e.Downloader = client
		e.Publisher = client
		return fn(ctx, e, s)
	})
}

func withDB(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, nil))
}

func catalogClient(s app.Settings) *catalog.Client {
	if s.CatalogBaseURL != "" {
		return catalog.New(s.CatalogBaseURL)
	}
	return catalog.NewFromEnv(nil)
}

func relPath(base, p string) string {
	if rel, err := filepath.Rel(base, p); err == nil {
		return rel
	}
	return p
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package coremain

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"syscall"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/dnsproxy/mlog"
)

// Version is set at build time.
var Version = "dev"

const maxIncludeDepth = 8

type startFlags struct {
	configFile string
	workDir    string
	gomaxprocs int
	asService  bool
}

// Run parses the command line and runs the selected command.
func Run() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dnsproxy",
		Short: "A caching DNS forwarding proxy.",
	}

	serviceCmd := &cobra.Command{
		Use:               "service",
		Short:             "Manage dnsproxy as a system service.",
		PersistentPreRunE: initService,
	}
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcActionCmd("uninstall", "Uninstall dnsproxy from system service.", func() error { return svc.Uninstall() }),
		newSvcStartCmd(),
		newSvcActionCmd("stop", "Stop dnsproxy system service.", func() error { return svc.Stop() }),
		newSvcActionCmd("restart", "Restart dnsproxy system service.", func() error { return svc.Restart() }),
		newSvcStatusCmd(),
	)

	root.AddCommand(
		newStartCmd(),
		serviceCmd,
		newGenConfigCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print out version info and exit.",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
			},
		},
	)
	return root
}

func newStartCmd() *cobra.Command {
	f := new(startFlags)
	c := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the proxy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.asService {
				s, err := service.New(&serverService{f: f}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return s.Run()
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return startWithFlags(ctx, f)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := c.Flags()
	fs.StringVarP(&f.configFile, "config", "c", "", "config file")
	fs.StringVarP(&f.workDir, "dir", "d", "", "working dir")
	fs.IntVar(&f.gomaxprocs, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&f.asService, "as-service", false, "start as a service")
	_ = fs.MarkHidden("as-service")
	return c
}

// startWithFlags loads the config selected by f and runs the proxy until
// ctx is done.
func startWithFlags(ctx context.Context, f *startFlags) error {
	if f.gomaxprocs > 0 {
		runtime.GOMAXPROCS(f.gomaxprocs)
	}
	if len(f.workDir) > 0 {
		if err := os.Chdir(f.workDir); err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", f.workDir))
	}

	cfg, used, err := loadConfig(f.configFile)
	if err != nil {
		return err
	}
	mlog.L().Info("config loaded", zap.String("file", used))

	if err := RunProxy(ctx, cfg); err != nil {
		return fmt.Errorf("dnsproxy exited, %w", err)
	}
	return nil
}

// loadConfig reads the config at path and every file it includes.
// If path is empty, a file named "config" with any supported extension
// is searched in the working directory.
func loadConfig(path string) (*Config, string, error) {
	cfg, used, err := readConfig(path)
	if err != nil {
		return nil, "", err
	}
	if err := resolveIncludes(cfg, []string{used}); err != nil {
		return nil, "", err
	}
	return cfg, used, nil
}

func readConfig(path string) (*Config, string, error) {
	v := viper.New()
	if len(path) > 0 {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("failed to read config, %w", err)
	}

	cfg := new(Config)
	err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode %s, %w", v.ConfigFileUsed(), err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

// resolveIncludes merges the servers, upstreams and access rules of the
// files cfg includes into cfg. Included entries come first. chain holds
// the files that led to cfg.
func resolveIncludes(cfg *Config, chain []string) error {
	if len(cfg.Include) == 0 {
		return nil
	}
	if len(chain) > maxIncludeDepth {
		return fmt.Errorf("include depth exceeds %d: %s", maxIncludeDepth, strings.Join(chain, " -> "))
	}

	var servers []ServerConfig
	var addrs, allow []string
	for _, file := range cfg.Include {
		next := append(slices.Clip(chain), file)
		if slices.ContainsFunc(chain, func(s string) bool { return sameFile(s, file) }) {
			return fmt.Errorf("include loop: %s", strings.Join(next, " -> "))
		}

		sub, used, err := readConfig(file)
		if err != nil {
			return fmt.Errorf("failed to load included config, %w", err)
		}
		next[len(next)-1] = used
		if err := resolveIncludes(sub, next); err != nil {
			return err
		}
		servers = append(servers, sub.Servers...)
		addrs = append(addrs, sub.Upstream.Addrs...)
		allow = append(allow, sub.Access.Allow...)
	}

	cfg.Servers = append(servers, cfg.Servers...)
	cfg.Upstream.Addrs = append(addrs, cfg.Upstream.Addrs...)
	cfg.Access.Allow = append(allow, cfg.Access.Allow...)
	return nil
}

func sameFile(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	ab, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return a == b
	}
	return aa == ab
}

func newGenConfigCmd() *cobra.Command {
	var out string
	c := &cobra.Command{
		Use:   "gen-config [-o file]",
		Short: "Generate a default config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := yaml.Marshal(defaultConfig())
			if err != nil {
				return fmt.Errorf("failed to marshal config, %w", err)
			}
			if len(out) == 0 {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			return os.WriteFile(out, b, 0644)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&out, "out", "o", "", "output file, default is stdout")
	return c
}

package coremain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/dnsproxy/mlog"
)

var svcCfg = &service.Config{
	Name:        "dnsproxy",
	DisplayName: "dnsproxy",
	Description: "A caching DNS forwarding proxy.",
}

// svc is set by initService for the service sub commands.
var svc service.Service

type serverService struct {
	f *startFlags

	cancel context.CancelFunc
	done   chan struct{}
}

func (ss *serverService) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	ss.done = make(chan struct{})
	go func() {
		defer close(ss.done)
		if err := startWithFlags(ctx, ss.f); err != nil {
			mlog.L().Error("server exited", zap.Error(err))
			os.Exit(1)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	if ss.cancel == nil {
		return nil
	}
	ss.cancel()
	<-ss.done
	return nil
}

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(startFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install dnsproxy as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sf.workDir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current working directory, %w", err)
				}
				sf.workDir = wd
			} else if !filepath.IsAbs(sf.workDir) {
				abs, err := filepath.Abs(sf.workDir)
				if err != nil {
					return fmt.Errorf("failed to get abs path of %s, %w", sf.workDir, err)
				}
				sf.workDir = abs
			}

			svcCfg.Arguments = []string{"start", "--as-service", "-d", sf.workDir}
			if len(sf.configFile) > 0 {
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", sf.configFile)
			}
			s, err := service.New(&serverService{}, svcCfg)
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			return s.Install()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&sf.configFile, "config", "c", "", "config file")
	c.Flags().StringVarP(&sf.workDir, "dir", "d", "", "working dir")
	return c
}

func newSvcStartCmd() *cobra.Command {
	return newSvcActionCmd("start", "Start dnsproxy system service.", func() error {
		if err := svc.Start(); err != nil {
			return err
		}
		mlog.L().Info("service is starting")
		return nil
	})
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of dnsproxy system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				if errors.Is(err, service.ErrNotInstalled) {
					fmt.Fprintln(cmd.OutOrStdout(), "not installed")
					return nil
				}
				return fmt.Errorf("cannot get service status, %w", err)
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
		SilenceUsage: true,
	}
}

func newSvcActionCmd(use, short string, f func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f()
		},
		SilenceUsage: true,
	}
}

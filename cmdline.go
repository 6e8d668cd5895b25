/*
 * Copyright 2025 Holger de Carne
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gated

import (
	"context"
	"log/slog"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/tdrn-org/gated/internal/buildinfo"
	"github.com/tdrn-org/gated/internal/server"
	"github.com/tdrn-org/go-conf"
	"github.com/tdrn-org/go-conf/service/loglevel"
)

var cmdLineVars = kong.Vars{
	"config_default": DefaultConfig,
	"version":        buildinfo.FullVersion(),
}

type cmdLine struct {
	Silent   bool             `short:"s" help:"Enable silent mode (log level error)"`
	Quiet    bool             `short:"q" help:"Enable quiet mode (log level warn)"`
	Verbose  bool             `short:"v" help:"Enable verbose output (log level info)"`
	Debug    bool             `short:"d" help:"Enable debug output (log level debug)"`
	Version  kong.VersionFlag `help:"Print version information and exit"`
	RunCmd   runCmd           `cmd:"" name:"run" default:"withargs" help:"run server"`
	AdminCmd adminCmd         `cmd:"" name:"admin" help:"manage administrator accounts"`
	ctx      context.Context
}

type configArgs struct {
	Config string `short:"c" help:"The configuration file to use" default:"${config_default}"`
}

func (args *configArgs) loadConfig(cmdLine *cmdLine) (*Config, error) {
	path := strings.TrimSpace(args.Config)
	if path == "" {
		path = DefaultConfig
	}
	config, err := LoadConfig(path, false)
	if err != nil {
		return nil, err
	}
	applyGlobalArgs(config, cmdLine)
	initLogging(config)
	return config, nil
}

type runCmd struct {
	configArgs
}

func (cmd *runCmd) Run(args *cmdLine) error {
	config, err := cmd.loadConfig(args)
	if err != nil {
		return err
	}
	s, err := startConfig(args.ctx, config)
	if err != nil {
		return err
	}
	s.WaitStopped()
	return nil
}

type adminCmd struct {
	AddCmd adminAddCmd `cmd:"" name:"add" help:"add an administrator account"`
}

type adminAddCmd struct {
	configArgs
	Email    string `arg:"" help:"The administrator's email address"`
	Password string `env:"GATED_ADMIN_PASSWORD" help:"The administrator's password"`
}

func (cmd *adminAddCmd) Run(args *cmdLine) error {
	config, err := cmd.loadConfig(args)
	if err != nil {
		return err
	}
	s := &Server{}
	inits := []func(*Config) error{
		s.initServerConf,
		s.initSecretStore,
		s.initDatabase,
	}
	for _, init := range inits {
		err = init(config)
		if err != nil {
			return err
		}
	}
	defer s.database.Close()
	admin := server.NewAdminService(s.database, s.serverKey, s.iterations, nil)
	user, err := admin.CreateAdminUser(args.ctx, cmd.Email, cmd.Password)
	if err != nil {
		return err
	}
	slog.Info("administrator account created", slog.String("admin", user.ID), slog.String("email", user.Email))
	return nil
}

func applyGlobalArgs(config *Config, args *cmdLine) {
	if args.Debug {
		config.Logging.Level = slog.LevelDebug.String()
	} else if args.Verbose {
		config.Logging.Level = slog.LevelInfo.String()
	} else if args.Quiet {
		config.Logging.Level = slog.LevelWarn.String()
	} else if args.Silent {
		config.Logging.Level = slog.LevelError.String()
	}
}

func initLogging(config *Config) {
	logLevel, _ := conf.LookupService[loglevel.LogLevelService]()
	logger, _ := config.toLogConfig().GetLogger(logLevel.LevelVar())
	slog.SetDefault(logger)
}

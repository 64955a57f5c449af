/*
 *
 * w3af - Web Application Attack and Audit Framework
 * Copyright (C) 2018 w3af.org
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation version 2 of the License.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Averroes/w3af/log"
)

var BannerColor = color.New(color.FgCyan)

// rootCommand keeps all fields needed for the main/root command.
type rootCommand struct {
	ctx    context.Context
	log    *logrus.Logger
	logger *log.Logger
	cmd    *cobra.Command

	verbose           bool
	quiet             bool
	logCategoryFilter string
}

func newRootCommand(ctx context.Context, logger *logrus.Logger) *rootCommand {
	c := &rootCommand{
		ctx: ctx,
		log: logger,
	}
	// the base command when called without any subcommands.
	c.cmd = &cobra.Command{
		Use:               "w3af-chrome",
		Short:             "instrumented Chrome sessions for web application scanning",
		Long:              BannerColor.Sprint("\nw3af-chrome - drive an instrumented Chrome through a logging proxy"),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}

	c.cmd.PersistentFlags().AddFlagSet(c.rootCmdPersistentFlagSet())
	return c
}

func (c *rootCommand) rootCmdPersistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")
	flags.BoolVarP(&c.quiet, "quiet", "q", false, "disable all logging below errors")
	flags.StringVar(&c.logCategoryFilter, "log-category-filter", "",
		"only emit log lines whose category matches this regular expression")
	return flags
}

func (c *rootCommand) persistentPreRunE(*cobra.Command, []string) error {
	switch {
	case c.verbose:
		c.log.SetLevel(logrus.DebugLevel)
	case c.quiet:
		c.log.SetLevel(logrus.ErrorLevel)
	}

	var filter *regexp.Regexp
	if c.logCategoryFilter != "" {
		var err error
		if filter, err = regexp.Compile(c.logCategoryFilter); err != nil {
			return fmt.Errorf("invalid log category filter: %w", err)
		}
	}
	c.logger = log.New(c.log, filter)
	return nil
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}

	c := newRootCommand(ctx, logger)
	c.cmd.AddCommand(
		getBrowseCmd(c),
		getVersionCmd(),
	)

	if err := c.cmd.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

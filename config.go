/*
listd - Mailing list manager.
Copyright © 2024 listd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package listd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/foxcpp/listd/framework/config"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/runners"
	"github.com/foxcpp/listd/internal/site"
)

// ClassLMTP is the pseudo runner class serving the LMTP endpoints.
const ClassLMTP = "lmtp"

type RunnerConfig struct {
	Slices int
	// Sleep overrides the class default idle sleep, zero keeps it.
	Sleep time.Duration
}

type LMTPConfig struct {
	Endpoints      []config.Endpoint
	MaxMessageSize int64
	MaxRecipients  int
}

type DKIMConfig struct {
	Domain   string
	Selector string
	Key      string
}

// Config is the parsed site configuration file.
type Config struct {
	Site site.Config

	Debug bool
	// Log is nil if the file has no log directive.
	Log log.Output

	TemplatesDir    string
	ListsDriver     string
	ListsDSN        string
	PendingLifetime time.Duration

	LMTP    LMTPConfig
	Metrics []config.Endpoint

	Runners     map[string]RunnerConfig
	MaxLifetime time.Duration
	MaxMessages int
	MaxRestarts int

	MasterLockLifetime time.Duration

	Archivers []config.Node
	DKIM      DKIMConfig

	lmtpArgs    []string
	metricsArgs []string
}

// ReadConfigFile reads and parses the configuration file at path.
func ReadConfigFile(path string) (*Config, error) {
	nodes, err := config.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ReadConfig(nodes)
}

func subBlock(f func(m *config.Map)) func(*config.Map, config.Node) (interface{}, error) {
	return func(_ *config.Map, node config.Node) (interface{}, error) {
		if len(node.Args) != 0 {
			return nil, config.NodeErr(node, "%s: unexpected arguments", node.Name)
		}
		m := config.NewMap(node)
		f(m)
		_, err := m.Process()
		return nil, err
	}
}

// ReadConfig maps the top-level directives. Defaults come from
// site.DefaultConfig.
func ReadConfig(nodes []config.Node) (*Config, error) {
	cfg := &Config{
		Site:        site.DefaultConfig(),
		ListsDriver: "sqlite3",
		MaxRestarts: 10,
		Runners:     map[string]RunnerConfig{},
	}
	sc := &cfg.Site

	m := config.NewMap(config.Node{Name: "listd", Children: nodes})
	m.String("hostname", false, sc.Hostname, &sc.Hostname)
	m.String("site_owner", false, "", &sc.SiteOwner)
	m.String("state_dir", false, sc.StateDir, &sc.StateDir)
	m.String("runtime_dir", false, sc.RuntimeDir, &sc.RuntimeDir)
	m.String("default_language", false, sc.DefaultLanguage, &sc.DefaultLanguage)
	m.String("templates_dir", false, "", &cfg.TemplatesDir)
	m.Bool("debug", false, &cfg.Debug)
	m.Custom("log", false, nil, logOutput, &cfg.Log)

	m.Custom("lists", false, nil, subBlock(func(m *config.Map) {
		m.Enum("driver", false, []string{"sqlite3", "postgres", "postgresql", "mysql"}, cfg.ListsDriver, &cfg.ListsDriver)
		m.String("dsn", true, "", &cfg.ListsDSN)
	}), nil)
	m.Custom("pending", false, nil, subBlock(func(m *config.Map) {
		m.Duration("lifetime", false, 0, &cfg.PendingLifetime)
	}), nil)
	m.Custom("lmtp", false, nil, func(_ *config.Map, node config.Node) (interface{}, error) {
		if len(node.Args) == 0 {
			return nil, config.NodeErr(node, "lmtp: at least one endpoint required")
		}
		cfg.lmtpArgs = node.Args
		if node.Children == nil {
			return nil, nil
		}
		bm := config.NewMap(node)
		bm.DataSize("max_message_size", false, 0, &cfg.LMTP.MaxMessageSize)
		bm.Int("max_recipients", false, 0, &cfg.LMTP.MaxRecipients)
		_, err := bm.Process()
		return nil, err
	}, nil)
	m.Custom("metrics", false, nil, func(_ *config.Map, node config.Node) (interface{}, error) {
		if len(node.Args) == 0 || node.Children != nil {
			return nil, config.NodeErr(node, "metrics: endpoints expected")
		}
		cfg.metricsArgs = node.Args
		return nil, nil
	}, nil)

	m.Custom("smtp", false, nil, subBlock(func(m *config.Map) {
		m.String("host", false, sc.SMTP.Host, &sc.SMTP.Host)
		m.Int("port", false, sc.SMTP.Port, &sc.SMTP.Port)
		m.Int("max_recipients", false, sc.SMTP.MaxRecipients, &sc.SMTP.MaxRecipients)
		m.String("hello", false, sc.SMTP.Hello, &sc.SMTP.Hello)
		m.Duration("timeout", false, sc.SMTP.Timeout, &sc.SMTP.Timeout)
	}), nil)
	m.Custom("verp", false, nil, subBlock(func(m *config.Map) {
		m.String("delimiter", false, sc.VERP.Delimiter, &sc.VERP.Delimiter)
		m.Bool("personalized_deliveries", sc.VERP.Personalized, &sc.VERP.Personalized)
		m.Int("delivery_interval", false, sc.VERP.Interval, &sc.VERP.Interval)
		m.Bool("probes", sc.VERP.Probes, &sc.VERP.Probes)
		m.Bool("confirmations", sc.VERP.Confirmations, &sc.VERP.Confirmations)
	}), nil)
	m.Custom("delivery", false, nil, subBlock(func(m *config.Map) {
		m.Duration("retry_period", false, sc.Delivery.RetryPeriod, &sc.Delivery.RetryPeriod)
		m.Duration("retry_delay", false, sc.Delivery.RetryDelay, &sc.Delivery.RetryDelay)
		m.Duration("retry_interval", false, sc.Delivery.RetryInterval, &sc.Delivery.RetryInterval)
	}), nil)
	m.Custom("locks", false, nil, subBlock(func(m *config.Map) {
		m.Duration("list_timeout", false, sc.ListLockTimeout, &sc.ListLockTimeout)
		m.Duration("list_lifetime", false, sc.ListLockLifetime, &sc.ListLockLifetime)
		m.Duration("master_lifetime", false, 0, &cfg.MasterLockLifetime)
	}), nil)
	m.Custom("runners", false, nil, func(_ *config.Map, node config.Node) (interface{}, error) {
		return nil, readRunners(node, cfg.Runners)
	}, nil)
	m.Custom("runner_limits", false, nil, subBlock(func(m *config.Map) {
		m.Duration("max_lifetime", false, 0, &cfg.MaxLifetime)
		m.Int("max_messages", false, 0, &cfg.MaxMessages)
		m.Int("max_restarts", false, cfg.MaxRestarts, &cfg.MaxRestarts)
	}), nil)
	m.Callback("archiver", func(_ *config.Map, node config.Node) error {
		cfg.Archivers = append(cfg.Archivers, node)
		return nil
	})
	m.Custom("dkim", false, nil, subBlock(func(m *config.Map) {
		m.String("domain", true, "", &cfg.DKIM.Domain)
		m.String("selector", false, "default", &cfg.DKIM.Selector)
		m.String("key", false, "", &cfg.DKIM.Key)
	}), nil)
	m.Custom("news", false, nil, subBlock(func(m *config.Map) {
		m.String("server", false, "", &sc.News.Server)
		m.Duration("timeout", false, sc.News.Timeout, &sc.News.Timeout)
	}), nil)
	m.Custom("autoresponse", false, nil, subBlock(func(m *config.Map) {
		m.Int("max_per_day", false, sc.Autoresponse.MaxPerDay, &sc.Autoresponse.MaxPerDay)
		m.Duration("grace_period", false, sc.Autoresponse.GracePeriod, &sc.Autoresponse.GracePeriod)
	}), nil)
	m.Callback("header_match", func(_ *config.Map, node config.Node) error {
		if len(node.Args) < 2 || len(node.Args) > 3 || node.Children != nil {
			return config.NodeErr(node, "header_match: expected header, regexp and an optional action")
		}
		hm := mlist.HeaderMatch{Header: node.Args[0], Pattern: node.Args[1]}
		if len(node.Args) == 3 {
			hm.Action = node.Args[2]
		}
		sc.HeaderMatches = append(sc.HeaderMatches, hm)
		return nil
	})

	if _, err := m.Process(); err != nil {
		return nil, err
	}

	if sc.SiteOwner == "" {
		sc.SiteOwner = "postmaster@" + sc.Hostname
	}
	if cfg.ListsDSN == "" {
		cfg.ListsDSN = sc.StateDir + "/lists.db"
	}
	for _, arg := range cfg.lmtpArgs {
		endp, err := config.ParseEndpoint(arg, sc.RuntimeDir)
		if err != nil {
			return nil, fmt.Errorf("lmtp: %w", err)
		}
		cfg.LMTP.Endpoints = append(cfg.LMTP.Endpoints, endp)
	}
	for _, arg := range cfg.metricsArgs {
		endp, err := config.ParseEndpoint(arg, sc.RuntimeDir)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		cfg.Metrics = append(cfg.Metrics, endp)
	}

	if len(cfg.Runners) == 0 {
		for _, class := range runners.Classes() {
			cfg.Runners[class] = RunnerConfig{Slices: 1}
		}
	}
	if _, ok := cfg.Runners[ClassLMTP]; !ok && len(cfg.LMTP.Endpoints) != 0 {
		cfg.Runners[ClassLMTP] = RunnerConfig{Slices: 1}
	}
	if r, ok := cfg.Runners[ClassLMTP]; ok && r.Slices > 1 {
		return nil, errors.New("runners: lmtp can run only in one slice")
	}

	return cfg, nil
}

func validClass(class string) bool {
	if class == ClassLMTP {
		return true
	}
	for _, c := range runners.Classes() {
		if c == class {
			return true
		}
	}
	return false
}

func readRunners(node config.Node, out map[string]RunnerConfig) error {
	if len(node.Args) != 0 || node.Children == nil {
		return config.NodeErr(node, "runners: block expected")
	}
	for _, child := range node.Children {
		if !validClass(child.Name) {
			return config.NodeErr(child, "runners: unknown runner class: %s", child.Name)
		}
		if len(child.Args) == 0 || len(child.Args) > 2 || child.Children != nil {
			return config.NodeErr(child, "runners: expected slice count and an optional sleep interval")
		}
		slices, err := strconv.Atoi(child.Args[0])
		if err != nil || slices < 0 {
			return config.NodeErr(child, "runners: invalid slice count: %s", child.Args[0])
		}
		rc := RunnerConfig{Slices: slices}
		if len(child.Args) == 2 {
			rc.Sleep, err = config.ParseDuration(child.Args[1])
			if err != nil {
				return config.NodeErr(child, "runners: %v", err)
			}
		}
		out[child.Name] = rc
	}
	return nil
}

// logOutput maps "log stderr|syslog|off|<file>..." to the combined output.
func logOutput(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "log: at least one target required")
	}
	if node.Children != nil {
		return nil, config.NodeErr(node, "log: can't declare a block here")
	}
	return LogOutput(node.Args)
}

// LogOutput creates the output for the targets, as accepted by the log
// directive and the --log flag.
func LogOutput(targets []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(targets))
	for _, target := range targets {
		switch target {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "syslog":
			out, err := log.SyslogOutput("listd")
			if err != nil {
				return nil, fmt.Errorf("log: cannot connect to syslog: %w", err)
			}
			outs = append(outs, out)
		case "off":
			if len(targets) != 1 {
				return nil, errors.New("log: 'off' can't be combined with other targets")
			}
			return log.NopOutput{}, nil
		default:
			out, err := log.NewFileOutput(target)
			if err != nil {
				return nil, err
			}
			outs = append(outs, out)
		}
	}
	return log.MultiOutput(outs...), nil
}

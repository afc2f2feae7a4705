// xpodexec runs commands, scripts, and image operations across a fleet of
// SSH-reachable nodes described by a YAML inventory.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/GuIIWen/Xpod-Executor/internal/audit"
	"github.com/GuIIWen/Xpod-Executor/internal/config"
	"github.com/GuIIWen/Xpod-Executor/internal/dispatch"
	"github.com/GuIIWen/Xpod-Executor/internal/history"
	"github.com/GuIIWen/Xpod-Executor/internal/script"
	"github.com/GuIIWen/Xpod-Executor/internal/selector"
	"github.com/GuIIWen/Xpod-Executor/internal/sshpool"
	"github.com/GuIIWen/Xpod-Executor/pkg/lg"
	"github.com/GuIIWen/Xpod-Executor/pkg/store"
	"github.com/GuIIWen/Xpod-Executor/pkg/store/filestore"
	"github.com/GuIIWen/Xpod-Executor/pkg/store/mongostore"
)

const serviceName = "xpodexec"

type app struct {
	cfg        *config.Manager
	pool       *sshpool.Pool
	dispatcher *dispatch.Dispatcher
	scripts    *script.Runner
	histRepo   *history.Repo
	histWriter *history.Writer
	publisher  *audit.Publisher
	log        lg.Logger
}

func (a *app) selectNodes(expr string) ([]config.Node, error) {
	sel := selector.New(a.cfg.Nodes(false))
	if ok, msg := sel.Validate(expr); !ok {
		return nil, fmt.Errorf("%s", msg)
	}
	return sel.Parse(expr), nil
}

func nodeIDs(nodes []config.Node) []int {
	ids := make([]int, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.DisconnectAll()
	}
	if a.histWriter != nil {
		a.histWriter.Close()
	}
	if a.histRepo != nil {
		_ = a.histRepo.Close()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func main() {
	// .env may carry the SSH password fallback variable
	_ = godotenv.Load()

	var (
		configPath   string
		storeURI     string
		storeDB      string
		storeColl    string
		storeID      string
		debug        bool
		logFormat    string
		historyPath  string
		auditBrokers string
		auditTopic   string
	)

	a := &app{}

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Run commands, scripts, and image operations across a node fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.log = lg.New(&lg.Config{ServiceName: serviceName, Debug: debug, Format: logFormat})

			var st store.Store
			if storeURI != "" {
				ms, err := mongostore.New(storeURI, storeDB, storeColl, storeID)
				if err != nil {
					return fmt.Errorf("connect inventory store: %w", err)
				}
				st = ms
			} else {
				st = filestore.New(configPath)
			}

			a.cfg = config.NewManager(st)
			if err := a.cfg.Load(); err != nil {
				return fmt.Errorf("load inventory: %w", err)
			}
			if err := a.cfg.WatchReload(func(err error) {
				if err != nil {
					a.log.Error("inventory reload failed", lg.Err(err))
					return
				}
				a.log.Info("inventory reloaded")
			}); err != nil {
				a.log.Warn("inventory watch unavailable", lg.Err(err))
			}

			policy := a.cfg.Execution()
			a.pool = sshpool.New(sshpool.SSHDialer{}, a.cfg.SSH(), policy.MaxConcurrent, a.log)
			a.dispatcher = dispatch.New(a.pool, a.cfg, policy, a.log)
			a.scripts = script.NewRunner(a.pool, a.dispatcher, a.cfg, a.log)

			if historyPath != "" {
				repo, err := history.Open(historyPath)
				if err != nil {
					return fmt.Errorf("open history store: %w", err)
				}
				a.histRepo = repo
				a.histWriter = history.NewWriter(repo, 0, 0)
				a.dispatcher.AddSink(a.histWriter)
			}
			if auditBrokers != "" {
				a.publisher = audit.NewPublisher(strings.Split(auditBrokers, ","), auditTopic, a.log)
				a.dispatcher.AddSink(a.publisher)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/nodes.yaml", "inventory file")
	root.PersistentFlags().StringVar(&storeURI, "store-uri", "", "MongoDB URI for a shared inventory store (overrides --config)")
	root.PersistentFlags().StringVar(&storeDB, "store-db", "xpod", "MongoDB database holding the inventory")
	root.PersistentFlags().StringVar(&storeColl, "store-collection", "inventories", "MongoDB collection holding the inventory")
	root.PersistentFlags().StringVar(&storeID, "store-id", "default", "inventory document id in the shared store")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "json or console")
	root.PersistentFlags().StringVar(&historyPath, "history", "xpod-history.db", "history database path, empty to disable")
	root.PersistentFlags().StringVar(&auditBrokers, "audit-brokers", "", "comma-separated Kafka brokers for audit events")
	root.PersistentFlags().StringVar(&auditTopic, "audit-topic", "fleet-task-results", "Kafka topic for audit events")

	root.AddCommand(
		newRunCmd(a),
		newImageCmds(a),
		newScriptCmd(a),
		newNodesCmd(a),
		newPingCmd(a),
		newHistoryCmd(a),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"fleetwatch/internal/config"
	"fleetwatch/internal/export"
	"fleetwatch/internal/web"
	"fleetwatch/pkg/model"
	"fleetwatch/pkg/store"
)

const usage = `usage: fleetctl <command> [flags]

commands:
  members   list node descriptors under the membership path
  commit    write the committed state of one app on one node
  stats     show per-app worker stats from a monitor or from redis
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	args := os.Args[2:]
	switch os.Args[1] {
	case "members":
		err = members(ctx, cfg, args)
	case "commit":
		err = commit(ctx, cfg, args)
	case "stats":
		err = stats(ctx, cfg, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fatalf("%s: %v", os.Args[1], err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "❌ "+format+"\n", args...)
	os.Exit(1)
}

func connect(cfg *config.Config) (*store.EtcdManager, error) {
	return store.NewEtcdManager(store.EtcdOptions{
		Endpoints:   cfg.EtcdEndpoints,
		Username:    cfg.EtcdUsername,
		Password:    cfg.EtcdPassword,
		DialTimeout: cfg.DialTimeout,
	})
}

func members(ctx context.Context, cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("members", pflag.ExitOnError)
	fs.StringSliceVar(&cfg.EtcdEndpoints, "etcd", cfg.EtcdEndpoints, "etcd endpoints")
	fs.StringVar(&cfg.SubscriptionPath, "path", cfg.SubscriptionPath, "membership path")
	_ = fs.Parse(args)

	etcd, err := connect(cfg)
	if err != nil {
		return err
	}
	defer etcd.Close()

	children, err := etcd.ListChildren(ctx, cfg.SubscriptionPath)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "UUID\tHOSTNAME\tCPU\tMEM\tENDPOINTS\n")
	for _, id := range children.UUIDs {
		raw, _, err := etcd.GetValue(ctx, store.ChildPath(cfg.SubscriptionPath, id), "")
		if err != nil || raw == nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\n", id)
			continue
		}
		var m model.ClusterMember
		if err := json.Unmarshal(raw, &m); err != nil {
			fmt.Fprintf(tw, "%s\t(bad descriptor)\t-\t-\t-\n", id)
			continue
		}
		eps := make([]string, len(m.Endpoints))
		for i, ep := range m.Endpoints {
			eps[i] = ep.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", id, m.Hostname, m.Resources.CPU, m.Resources.Mem, strings.Join(eps, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d members at revision %d\n", len(children.UUIDs), children.Version)
	return nil
}

func commit(ctx context.Context, cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("commit", pflag.ExitOnError)
	fs.StringSliceVar(&cfg.EtcdEndpoints, "etcd", cfg.EtcdEndpoints, "etcd endpoints")
	fs.StringVar(&cfg.StatePath, "state-path", cfg.StatePath, "committed state path")
	node := fs.String("node", "", "node uuid")
	app := fs.String("app", "", "application name")
	workers := fs.Int64("workers", 0, "committed worker count")
	incoming := fs.Int64("incoming", -1, "requested worker count (omitted when negative)")
	state := fs.String("state", "active", "application state")
	profile := fs.String("profile", "default", "application profile")
	remove := fs.Bool("remove", false, "remove the app instead of committing it")
	_ = fs.Parse(args)

	if *node == "" || *app == "" {
		return fmt.Errorf("--node and --app are required")
	}

	etcd, err := connect(cfg)
	if err != nil {
		return err
	}
	defer etcd.Close()

	path := store.ChildPath(cfg.StatePath, *node)
	raw, _, err := etcd.GetValue(ctx, path, "")
	if err != nil {
		return err
	}
	var current model.CommittedState
	if raw != nil {
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
	}

	var entry *model.AppState
	if !*remove {
		entry = &model.AppState{Profile: *profile, State: *state, Workers: *workers}
		if *incoming >= 0 {
			entry.Incoming = incoming
		}
	}
	next := applyCommit(current, *app, entry, time.Now())
	if err := etcd.PutValue(ctx, path, next); err != nil {
		return err
	}
	fmt.Printf("✅ committed %s on %s (version %d)\n", *app, *node, next.Version)
	return nil
}

// applyCommit returns state with app set to entry (or removed when entry
// is nil) and the version bumped.
func applyCommit(state model.CommittedState, app string, entry *model.AppState, now time.Time) model.CommittedState {
	next := model.CommittedState{
		State:     make(map[string]model.AppState, len(state.State)+1),
		Version:   state.Version + 1,
		Timestamp: now.Unix(),
	}
	for k, v := range state.State {
		next.State[k] = v
	}
	if entry == nil {
		delete(next.State, app)
		return next
	}
	e := *entry
	e.Running = nil
	e.Timestamp = now.Unix()
	e.StateVersion = next.State[app].StateVersion + 1
	next.State[app] = e
	return next
}

func stats(ctx context.Context, cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ExitOnError)
	monitor := fs.String("monitor", "http://"+cfg.ListenAddr, "monitor base URL")
	mismatch := fs.Bool("mismatch", false, "only apps with mismatched hosts")
	fromRedis := fs.Bool("redis", false, "read the exported view from redis instead of the monitor")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address")
	_ = fs.Parse(args)

	view := "apps"
	if *mismatch {
		view = "mismatch"
	}

	var apps map[string]model.AppStat
	if *fromRedis {
		writer, err := export.NewRedisWriter(ctx, export.RedisOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return err
		}
		defer writer.Close()
		key := export.Key(cfg.ExportPrefix, view)
		found, err := writer.GetJSON(ctx, key, &apps)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no exported view at %s", key)
		}
	} else {
		var body web.StatsResponse
		if err := fetch(ctx, strings.TrimRight(*monitor, "/")+"/api/v1/"+view, &body); err != nil {
			return err
		}
		apps = body.Apps
	}

	printStats(apps)
	return nil
}

func fetch(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func printStats(apps map[string]model.AppStat) {
	names := make([]string, 0, len(apps))
	for name := range apps {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "APP\tWORKERS\tHOSTS\tMISMATCHED\n")
	for _, name := range names {
		st := apps[name]
		bad := 0
		for _, wc := range st.Hosts {
			if wc.Mismatch() {
				bad++
			}
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", name, st.TotalWorkers, len(st.Hosts), bad)
	}
	_ = tw.Flush()
}

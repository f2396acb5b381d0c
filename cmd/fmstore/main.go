// Command fmstore is the CLI collaborator described at the core's
// boundary (§6): it wires a Store to an embedded index store and exposes
// putDeviceState, projectMetrics, getDeviceTimeSpan,
// getDeviceLastGoodValue, and housekeeping as subcommands. Device
// acquisition and random-value synthesis are out of the core's scope and
// are not reimplemented here; "put" instead accepts a DevState already
// serialized as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jessevdk/go-flags"

	"github.com/woowu/fmstore/fmconfig"
	"github.com/woowu/fmstore/fmindex"
	"github.com/woowu/fmstore/fmlog"
	"github.com/woowu/fmstore/record"
	"github.com/woowu/fmstore/store"
)

type optsStruct struct {
	DataRoot     string `long:"data-root" description:"root of the on-disk store" default:"./data"`
	RedisAddr    string `long:"redis-addr" description:"address of an external index store; if empty, an embedded one is started"`
	Level1Blocks int64  `long:"level1-blocks" description:"live blocks retained per device before archival" default:"0"`
	Console      bool   `long:"console" description:"also log to stderr"`

	Positional struct {
		Command string   `name:"command" description:"put|project|timespan|lgv|housekeeping|stats"`
		Args    []string `name:"args"`
	} `positional-args:"yes"`
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = append(args, "-h")
	}
	if _, err := parser.ParseArgs(args); err != nil {
		os.Exit(1)
	}

	cfg := fmconfig.Resolve(opts.DataRoot)
	if opts.Console || cfg.LogConsole {
		fmlog.Init(os.Stdout, true)
	}

	rdb, closeIdx, err := openIndex(opts.RedisAddr)
	if err != nil {
		fmlog.Error("msg", "failed to open index store", "err", err)
		os.Exit(1)
	}
	defer closeIdx()

	idx := fmindex.New(rdb)
	st := store.New(cfg, idx)
	ctx := context.Background()

	var runErr error
	switch opts.Positional.Command {
	case "put":
		runErr = cmdPut(ctx, st, opts.Positional.Args)
	case "project":
		runErr = cmdProject(ctx, st, opts.Positional.Args)
	case "timespan":
		runErr = cmdTimespan(ctx, st, opts.Positional.Args)
	case "lgv":
		runErr = cmdLGV(ctx, st, opts.Positional.Args)
	case "housekeeping":
		runErr = st.Housekeeping(ctx, store.HousekeepingOpts{Level1Blocks: opts.Level1Blocks})
	case "stats":
		runErr = cmdStats(ctx, st, opts.Positional.Args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", opts.Positional.Command)
		os.Exit(1)
	}
	if runErr != nil {
		fmlog.Error("msg", "command failed", "command", opts.Positional.Command, "err", runErr)
		os.Exit(1)
	}
}

// openIndex connects to addr if non-empty, otherwise starts an embedded
// miniredis instance — the "substitute a local embedded index" allowance
// in §9.
func openIndex(addr string) (*redis.Client, func(), error) {
	if addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		return rdb, func() { _ = rdb.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb, func() { _ = rdb.Close(); mr.Close() }, nil
}

// jsonMetric and jsonDevState are the CLI's wire shape for "put" input;
// they exist only so fmstore has something JSON-decodable to feed
// Store.PutDeviceState without pulling in an acquisition driver.
type jsonMetric struct {
	ID        uint32  `json:"id"`
	Status    int32   `json:"status"`
	Value     int32   `json:"value"`
	Scale     int32   `json:"scale"`
	Timestamp *uint32 `json:"timestamp,omitempty"`
}

type jsonDevState struct {
	Timestamp uint32       `json:"timestamp"`
	Metrics   []jsonMetric `json:"metrics"`
}

func cmdPut(ctx context.Context, st *store.Store, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: put <devid> <ticktime-rfc3339> <devstate.json>")
	}
	devid, err := parseDevID(args[0])
	if err != nil {
		return err
	}
	ticktime, err := time.Parse(time.RFC3339, args[1])
	if err != nil {
		return fmt.Errorf("parse ticktime: %w", err)
	}
	raw, err := os.ReadFile(args[2])
	if err != nil {
		return fmt.Errorf("read devstate json: %w", err)
	}
	var jds jsonDevState
	if err := json.Unmarshal(raw, &jds); err != nil {
		return fmt.Errorf("parse devstate json: %w", err)
	}

	ds := &record.DevState{DevID: devid, Timestamp: jds.Timestamp}
	for _, jm := range jds.Metrics {
		m := record.Metric{ID: jm.ID, Status: jm.Status, Value: jm.Value, Scale: jm.Scale}
		if jm.Timestamp != nil {
			m.HasTimestamp = true
			m.Timestamp = *jm.Timestamp
		}
		ds.Metrics = append(ds.Metrics, m)
	}

	return st.PutDeviceState(ctx, devid, ticktime, ds)
}

func cmdProject(ctx context.Context, st *store.Store, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: project <devid> <at-rfc3339> [metricID,metricID,...]")
	}
	devid, err := parseDevID(args[0])
	if err != nil {
		return err
	}
	at, err := time.Parse(time.RFC3339, args[1])
	if err != nil {
		return fmt.Errorf("parse at: %w", err)
	}
	var ids []uint32
	if len(args) > 2 && args[2] != "" {
		for _, s := range strings.Split(args[2], ",") {
			n, err := strconv.ParseUint(s, 10, 32)
			if err != nil {
				return fmt.Errorf("parse metric id %q: %w", s, err)
			}
			ids = append(ids, uint32(n))
		}
	}

	result, err := st.ProjectMetrics(ctx, devid, at, ids)
	if err != nil {
		return err
	}
	for _, m := range result {
		fmt.Printf("metric=%d status=%d value=%d scale=%d ticktime=%d\n", m.ID, m.Status, m.Value, m.Scale, m.Ticktime)
	}
	return nil
}

func cmdTimespan(ctx context.Context, st *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: timespan <devid>")
	}
	devid, err := parseDevID(args[0])
	if err != nil {
		return err
	}
	min, max, err := st.GetDeviceTimeSpan(ctx, devid)
	if err != nil {
		return err
	}
	fmt.Printf("min=%d max=%d\n", min, max)
	return nil
}

func cmdLGV(ctx context.Context, st *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: lgv <devid>")
	}
	devid, err := parseDevID(args[0])
	if err != nil {
		return err
	}
	lgv, err := st.GetDeviceLastGoodValue(ctx, devid)
	if err != nil {
		return err
	}
	fmt.Printf("ticktime=%d\n", lgv.Ticktime)
	for id, m := range lgv.Metrics {
		fmt.Printf("metric=%d status=%d value=%d scale=%d ticktime=%d\n", id, m.Status, m.Value, m.Scale, m.Ticktime)
	}
	return nil
}

func cmdStats(ctx context.Context, st *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: stats <devid>")
	}
	devid, err := parseDevID(args[0])
	if err != nil {
		return err
	}
	stats, err := st.GetStats(ctx, devid)
	if err != nil {
		return err
	}
	fmt.Println(stats.String())
	return nil
}

func parseDevID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse devid: %w", err)
	}
	return uint32(n), nil
}

// Command metacache loads a collection topology into a metadata service and
// resolves collections and partition key ranges through the caches.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentuity/go-metacache/collection"
	"github.com/agentuity/go-metacache/metadata"
	"github.com/agentuity/go-metacache/routing"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "metacache",
		Short:         "Resolve collections and partition key ranges through the metadata caches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("topology", "", "YAML topology file (METACACHE_TOPOLOGY)")
	flags.String("redis-url", "", "read metadata from Redis instead of memory (METACACHE_REDIS_URL)")
	flags.String("log-level", "", "trace, debug, info, warn, error or none (METACACHE_LOG_LEVEL)")
	flags.String("otlp-url", "", "OTLP/HTTP collector for traces and logs (METACACHE_OTLP_URL)")
	flags.String("otlp-token", "", "bearer token for the collector (METACACHE_OTLP_TOKEN)")

	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Print the collection at a name-based address or with an id",
		Args:  cobra.NoArgs,
		RunE:  runResolve,
	}
	resolve.Flags().String("name", "", "name-based address, dbs/{db}/colls/{name}[/...]")
	resolve.Flags().String("id", "", "collection id")

	ranges := &cobra.Command{
		Use:   "ranges",
		Short: "Print the partition key ranges overlapping [min, max)",
		Args:  cobra.NoArgs,
		RunE:  runRanges,
	}
	ranges.Flags().String("collection", "", "collection id")
	ranges.Flags().String("min", metadata.MinimumInclusiveEffectivePartitionKey, "inclusive lower effective partition key")
	ranges.Flags().String("max", metadata.MaximumExclusiveEffectivePartitionKey, "exclusive upper effective partition key")
	ranges.Flags().Bool("refresh", false, "refresh the routing map first")
	ranges.MarkFlagRequired("collection")

	locate := &cobra.Command{
		Use:   "locate",
		Short: "Print the range owning a partition key",
		Args:  cobra.NoArgs,
		RunE:  runLocate,
	}
	locate.Flags().String("collection", "", "collection id")
	locate.Flags().String("key", "", "partition key value")
	locate.MarkFlagRequired("collection")
	locate.MarkFlagRequired("key")

	split := &cobra.Command{
		Use:   "split",
		Short: "Split a range in the backend and show the refreshed routing map",
		Args:  cobra.NoArgs,
		RunE:  runSplit,
	}
	split.Flags().String("collection", "", "collection id")
	split.Flags().String("range", "", "id of the range to split")
	split.Flags().String("at", "", "effective partition key to split at")
	split.MarkFlagRequired("collection")
	split.MarkFlagRequired("range")
	split.MarkFlagRequired("at")

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Copy the topology into Redis",
		Args:  cobra.NoArgs,
		RunE:  runSeed,
	}

	root.AddCommand(resolve, ranges, locate, split, seed)
	return root
}

func runResolve(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	id, _ := cmd.Flags().GetString("id")
	if (name == "") == (id == "") {
		return errors.New("exactly one of --name or --id is required")
	}
	if name != "" && !metadata.IsNameBased(name) {
		return errors.Newf("%q is not a name-based address", name)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	req := collection.NewRequest(name + id)
	coll, err := a.collections.ResolveCollection(ctx, req)
	if err != nil {
		return err
	}
	a.log.Debug("resolved %s in activity %s", req.ResourceAddress, req.ActivityID)
	return printYAML(cmd.OutOrStdout(), coll)
}

func runRanges(cmd *cobra.Command, _ []string) error {
	collectionID, _ := cmd.Flags().GetString("collection")
	lo, _ := cmd.Flags().GetString("min")
	hi, _ := cmd.Flags().GetString("max")
	refresh, _ := cmd.Flags().GetBool("refresh")

	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ranges, err := a.maps.TryGetOverlappingRanges(ctx, collectionID, routing.NewKeyRange(lo, hi), refresh)
	if err != nil {
		return err
	}
	if ranges == nil {
		return metadata.NotFound("collection %s", collectionID)
	}
	a.log.Debug("%d ranges of %s overlap [%q, %q)", len(ranges), collectionID, lo, hi)
	printRanges(cmd.OutOrStdout(), ranges)
	return nil
}

func runLocate(cmd *cobra.Command, _ []string) error {
	collectionID, _ := cmd.Flags().GetString("collection")
	key, _ := cmd.Flags().GetString("key")

	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.maps.TryGetRangeByPartitionKey(ctx, collectionID, key)
	if err != nil {
		return err
	}
	if r == nil {
		return metadata.NotFound("collection %s", collectionID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "key %q -> epk %s -> range %s [%q, %q)\n",
		key, routing.EffectivePartitionKey(key), r.ID, r.MinInclusive, r.MaxExclusive)
	return nil
}

func runSplit(cmd *cobra.Command, _ []string) error {
	collectionID, _ := cmd.Flags().GetString("collection")
	rangeID, _ := cmd.Flags().GetString("range")
	at, _ := cmd.Flags().GetString("at")

	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	before, err := a.maps.TryGetOverlappingRanges(ctx, collectionID, routing.FullRange(), false)
	if err != nil {
		return err
	}
	if before == nil {
		return metadata.NotFound("collection %s", collectionID)
	}
	fmt.Fprintln(out, "before:")
	printRanges(out, before)

	children, err := a.split(ctx, collectionID, rangeID, at)
	if err != nil {
		return err
	}
	a.log.Info("split %s/%s into %s and %s", collectionID, rangeID, children[0].ID, children[1].ID)

	if r, _ := a.maps.PeekRangeByID(collectionID, rangeID); r != nil {
		a.log.Debug("cached map still routes to %s until refreshed", r.ID)
	}
	after, err := a.maps.TryGetOverlappingRanges(ctx, collectionID, routing.FullRange(), true)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "after:")
	printRanges(out, after)
	return nil
}

func runSeed(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.redis == nil {
		return errors.New("seed needs --redis-url")
	}
	if err := a.redis.Seed(ctx, a.topology); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d collections\n", len(a.topology.Collections))
	return nil
}

func printYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func printRanges(w io.Writer, ranges []metadata.PartitionKeyRange) {
	for _, r := range ranges {
		fmt.Fprintf(w, "%s\t[%q, %q)\n", r.ID, r.MinInclusive, r.MaxExclusive)
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

package demo

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rkvlib/rkv/cmd/util"
	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/ops"
	"github.com/rkvlib/rkv/lib/store/kstore"
	"github.com/rkvlib/rkv/lib/stream"
)

var (
	// DemoCmd runs a live pipeline over synthetic order traffic and logs
	// what each stage emits.
	DemoCmd = &cobra.Command{
		Use:     "demo",
		Short:   "Stream a live operator pipeline to the log",
		Long:    util.WrapString("Feeds synthetic order traffic into a keyed store and chains filter, sort, group-by and expiry over it, logging the change sets each stage publishes."),
		RunE:    run,
		PreRunE: processConfig,
	}

	demoDuration = 10 * time.Second
	demoInterval = 200 * time.Millisecond
)

func init() {
	// add flags
	key := "duration"
	DemoCmd.Flags().Duration(key, 10*time.Second, util.WrapString("How long to run the demo"))
	key = "interval"
	DemoCmd.Flags().Duration(key, 200*time.Millisecond, util.WrapString("Delay between synthetic edits"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	demoDuration = viper.GetDuration("duration")
	demoInterval = viper.GetDuration("interval")
	return nil
}

// order is the demo's domain object.
type order struct {
	ID     string
	Status string // open, paid, shipped
	Total  int    // cents
}

func orderID(o order) string { return o.ID }

func run(_ *cobra.Command, _ []string) error {
	log, err := util.NewLogger(viper.GetInt("verbosity"))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	orders := kstore.New[string, order](orderID, &kstore.Options{
		Logger:      log.WithName("store"),
		MetricsName: "demo-orders",
	})
	defer orders.Dispose()

	// Stage 1: only open orders.
	open := ops.NewFilter[string, order](orders, func(o order) bool { return o.Status == "open" })

	// Stage 2: the open orders by value, most expensive first.
	byTotal := ops.NewSort[string, order](open, ops.Descending(ops.OrderedBy(func(o order) int { return o.Total })), nil)

	// Stage 3: all orders grouped by status.
	byStatus := ops.NewGroupBy[string, order, string](orders, func(o order) string { return o.Status })

	// Expiry: shipped orders leave the store after a short retention.
	expiry := ops.ExpireAfter[string, order](orders, func(o order) time.Duration {
		if o.Status == "shipped" {
			return 2 * time.Second
		}
		return 0
	}, &ops.ExpireOptions{Logger: log.WithName("expiry")})
	defer expiry.Dispose()

	sortLog := log.WithName("sorted")
	sortSub := stream.OnNext(byTotal.Connect(), func(set changeset.Set[string, order]) {
		for _, c := range set {
			sortLog.Info(c.Reason.String(), "order", c.Key, "total", c.Current.Total, "index", c.CurrentIndex)
		}
	})
	defer sortSub.Dispose()

	groupLog := log.WithName("groups")
	groupSub := stream.OnNext(byStatus.Connect(), func(set changeset.Set[string, *ops.Group[string, order, string]]) {
		for _, c := range set {
			groupLog.Info(c.Reason.String(), "status", c.Key, "members", c.Current.Cache().Len())
		}
	})
	defer groupSub.Dispose()

	log.Info("demo running", "duration", demoDuration, "interval", demoInterval)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	statuses := []string{"open", "paid", "shipped"}
	deadline := time.Now().Add(demoDuration)
	seq := 0

	for time.Now().Before(deadline) {
		// Mix of new orders and status transitions on existing ones.
		if seq == 0 || rng.Intn(3) == 0 {
			seq++
			o := order{
				ID:     fmt.Sprintf("order-%04d", seq),
				Status: "open",
				Total:  100 + rng.Intn(10000),
			}
			if err := orders.AddOrUpdate(o); err != nil {
				return err
			}
		} else {
			id := fmt.Sprintf("order-%04d", 1+rng.Intn(seq))
			if existing, ok := orders.Get(id); ok {
				existing.Status = statuses[rng.Intn(len(statuses))]
				if err := orders.AddOrUpdate(existing); err != nil {
					return err
				}
			}
		}
		time.Sleep(demoInterval)
	}

	log.Info("demo finished", "orders-left", orders.Len())
	return nil
}

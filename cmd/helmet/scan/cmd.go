package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/cmd/helmet/subcmd"
	"github.com/smarthelmet/relay/internal/state"
)

var Mod = subcmd.Mod{Name: "scan", Usage: "discover configured peripherals once and probe them", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	ch, err := g.Channel()
	if err != nil {
		return errors.Annotate(err, "peripheral init")
	}
	timeout := g.Config.RelayOptions().DiscoverTimeout
	g.Log.Infof("scan timeout=%v", timeout)
	handles := ch.Registry().Discover(ctx, timeout)

	found := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		found[h.Name] = struct{}{}
		tbegin := time.Now()
		err := ch.Probe(ctx, h.Name)
		fmt.Printf("%-20s transport=%-4s address=%-24s static=%t probe=%s (%v)\n",
			h.Name, h.Transport, h.Address, h.Static, probeResult(err), time.Since(tbegin))
	}
	for _, pc := range g.Config.PeripheralConfigs() {
		if _, ok := found[pc.Name]; !ok {
			fmt.Printf("%-20s transport=%-4s not found\n", pc.Name, pc.Transport)
		}
	}
	return g.CloseHardware()
}

func probeResult(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

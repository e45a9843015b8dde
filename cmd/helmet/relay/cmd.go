package relay

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/smarthelmet/relay/cmd/helmet/subcmd"
	"github.com/smarthelmet/relay/internal/state"
)

var Mod = subcmd.Mod{Name: "relay", Usage: "run aggregation cycles until stopped (default)", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Log.Debugf("config=%+v", g.Config)

	mediasys, err := g.Media()
	if err != nil {
		return errors.Annotate(err, "media init")
	}
	r, err := g.Relay(ctx, func() { subcmd.SdNotify(daemon.SdNotifyWatchdog) })
	if err != nil {
		return errors.Annotate(err, "relay init")
	}

	if wd, err := daemon.SdWatchdogEnabled(false); err != nil {
		g.Log.Errorf("systemd watchdog: %v", err)
	} else if interval := g.Config.RelayOptions().Interval; wd != 0 && wd < 2*interval {
		g.Log.Errorf("systemd WatchdogSec=%v is too short for cycle interval=%v", wd, interval)
	}

	mediasys.Start(ctx)
	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("relay init complete, running")

	// Run returns after Alive.Stop, in-flight cycle completes first
	r.Run(ctx, g.Alive)

	subcmd.SdNotify(daemon.SdNotifyStopping)
	mediasys.Stop()
	if rep, ok := r.Last(); ok {
		g.Log.Infof("relay last %s", rep.String())
	}
	g.StopWait(5 * time.Second)
	return g.CloseHardware()
}

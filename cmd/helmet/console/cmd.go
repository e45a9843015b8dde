package console

import (
	"context"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/smarthelmet/relay/cmd/helmet/subcmd"
	"github.com/smarthelmet/relay/hardware/modem"
	"github.com/smarthelmet/relay/helpers/cli"
	"github.com/smarthelmet/relay/internal/state"
)

const modName = "modem"

const usage = `syntax: one command per line
- AT...     send raw AT command, print response lines
- attached  packet service attach state
- csq       signal quality 0-31, 99 unknown
- gps       power GNSS and read fix
- restart   full functionality reset, modem settles after
- stat      command counters
`

var Mod = subcmd.Mod{Name: modName, Usage: "interactive AT console to cellular modem", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	m, err := g.Modem()
	if err != nil {
		return errors.Annotate(err, "modem init")
	}
	if m == nil {
		return errors.NotFoundf("config: modem.device")
	}
	g.Log.Debugf("modem console ready")

	cli.MainLoop(modName, newExecutor(ctx, m), newCompleter(), func() { _ = g.CloseHardware() })
	return g.CloseHardware()
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := cli.Suggests("attached", "csq", "gps", "help", "restart", "stat", "AT+CGATT?", "AT+CSQ", "AT+CGNSINF")
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(ctx context.Context, m *modem.Modem) func(string) {
	g := state.GetGlobal(ctx)
	return func(line string) {
		tbegin := time.Now()
		if err := execLine(ctx, m, line); err != nil {
			g.Log.Errorf(errors.ErrorStack(err))
		}
		g.Log.Infof("duration=%v", time.Since(tbegin))
	}
}

func execLine(ctx context.Context, m *modem.Modem, line string) error {
	g := state.GetGlobal(ctx)
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "":
		return nil
	case "help", "/help":
		g.Log.Infof(usage)
		return nil
	case "attached":
		ok, err := m.IsAttached(ctx)
		if err != nil {
			return err
		}
		g.Log.Infof("attached=%t", ok)
		return nil
	case "csq":
		rssi, err := m.SignalQuality(ctx)
		if err != nil {
			return err
		}
		g.Log.Infof("signal=%d", rssi)
		return nil
	case "gps":
		loc, ok, err := m.GpsLocation(ctx)
		if err != nil {
			return err
		}
		if !ok {
			g.Log.Infof("gps no fix")
			return nil
		}
		g.Log.Infof("gps latitude=%f longitude=%f", loc.Latitude, loc.Longitude)
		return nil
	case "restart":
		return m.Restart(ctx)
	case "stat":
		g.Log.Infof("stat=%+v", m.Stat())
		return nil
	}
	if !strings.HasPrefix(strings.ToUpper(line), "AT") {
		return errors.NotValidf("command=%s, try help", line)
	}
	lines, err := m.SendCommand(ctx, line, 0)
	for _, l := range lines {
		g.Log.Infof("< %s", l)
	}
	return err
}

package detect

import (
	"testing"
	"time"

	"hostguard/core"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

const testHost = "ws-041"

func u32(v uint32) *uint32 { return &v }
func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

// processCreated builds a creation event; ppid 0 means no parent reported
func processCreated(pid, ppid uint32, image, cmdline string, at time.Time) *core.Event {
	ev := &core.Event{
		Timestamp: at,
		HostID:    testHost,
		ProcessID: pid,
		Kind:      core.EventKindProcess,
		Process: &core.ProcessEvent{
			Action:      core.ProcessCreated,
			ImagePath:   image,
			CommandLine: cmdline,
			Signed:      boolPtr(true),
		},
	}
	if ppid != 0 {
		ev.ParentProcessID = u32(ppid)
	}
	return ev
}

func processTerminated(pid uint32, at time.Time) *core.Event {
	return &core.Event{
		Timestamp: at,
		HostID:    testHost,
		ProcessID: pid,
		Kind:      core.EventKindProcess,
		Process:   &core.ProcessEvent{Action: core.ProcessTerminated},
	}
}

func networkConn(pid uint32, at time.Time, remote string, reputation *int) *core.Event {
	return &core.Event{
		Timestamp: at,
		HostID:    testHost,
		ProcessID: pid,
		Kind:      core.EventKindNetwork,
		Network: &core.NetworkEvent{
			Direction:       core.DirectionOutbound,
			Protocol:        core.ProtocolTCP,
			RemoteAddress:   remote,
			RemotePort:      443,
			ReputationScore: reputation,
		},
	}
}

func registryWrite(pid uint32, at time.Time, action core.RegistryAction, key string) *core.Event {
	return &core.Event{
		Timestamp: at,
		HostID:    testHost,
		ProcessID: pid,
		Kind:      core.EventKindRegistry,
		Registry: &core.RegistryEvent{
			Action:    action,
			KeyPath:   key,
			ValueName: "Updater",
			ValueData: `C:\Users\Public\upd.exe`,
		},
	}
}

func unsigned(ev *core.Event) *core.Event {
	ev.Process.Signed = boolPtr(false)
	return ev
}

func onHost(ev *core.Event, host string) *core.Event {
	ev.HostID = host
	return ev
}

func pkey(pid uint32) core.ProcessKey {
	return core.ProcessKey{HostID: testHost, PID: pid}
}

func testEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.Shards = 4
	cfg.SweepEvery = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg EngineConfig, rules []core.DetectionRule) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg, rules, zap.NewNop().Sugar())
	require.NoError(t, err)
	return engine
}

func ruleIDs(alerts []*core.Alert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.RuleID
	}
	return ids
}

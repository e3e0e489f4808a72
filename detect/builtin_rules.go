package detect

import "hostguard/core"

var (
	powershellImages = []core.Pattern{core.Literal("powershell.exe"), core.Literal("pwsh.exe")}
	officeImages     = []core.Pattern{
		core.Literal("winword.exe"), core.Literal("excel.exe"),
		core.Literal("outlook.exe"), core.Literal("powerpnt.exe"),
	}
	// gobwas globs use backslash as the escape character
	stagingDirs = []core.Pattern{
		core.Glob(`*\\windows\\temp\\*`),
		core.Glob(`*\\windows\\tasks\\*`),
		core.Glob(`*\\windows\\debug\\*`),
		core.Glob(`*\\users\\public\\*`),
		core.Glob(`*\\appdata\\local\\temp\\*`),
	}
)

// BuiltinRules returns the default rule set. Callers get fresh copies.
func BuiltinRules() []core.DetectionRule {
	rules := builtinRules()
	for i := range rules {
		rules[i] = rules[i].Clone()
	}
	return rules
}

func builtinRules() []core.DetectionRule {
	return []core.DetectionRule{
		{
			ID:                "HG-0001",
			Name:              "Office application spawned PowerShell",
			Description:       "A document-handling Office process started PowerShell, typical of macro droppers",
			Severity:          core.SeverityHigh,
			Enabled:           true,
			MitreTactics:      []string{"execution", "initial-access"},
			MitreTechniques:   []string{"T1059.001", "T1566.001"},
			RecommendedAction: "Terminate the PowerShell process and quarantine the source document",
			Condition: core.Match(core.Predicate{
				Kind:   core.PredParentChild,
				Parent: officeImages,
				Child:  powershellImages,
			}),
		},
		{
			ID:              "HG-0002",
			Name:            "Suspicious PowerShell command line",
			Description:     "Command line carries an encoded command, an in-memory download cradle or a policy bypass",
			Severity:        core.SeverityHigh,
			Enabled:         true,
			MitreTactics:    []string{"execution", "defense-evasion"},
			MitreTechniques: []string{"T1059.001", "T1027"},
			Condition: core.Match(core.Predicate{
				Kind: core.PredCommandLine,
				Patterns: []core.Pattern{
					core.Regex(`\s-e(nc(odedcommand)?)?\s+[a-z0-9+/=]{16,}`),
					core.Regex(`downloadstring|downloadfile`),
					core.Regex(`\b(iex|invoke-expression)\b.*(net\.webclient|invoke-webrequest|iwr\b)`),
					core.Regex(`-exec(utionpolicy)?\s+bypass.*-(nop|noprofile)\b`),
				},
			}),
		},
		{
			ID:                "HG-0003",
			Name:              "Attempt to disable Windows Defender",
			Description:       "Command line tampers with Defender preferences or the Defender service",
			Severity:          core.SeverityHigh,
			Enabled:           true,
			MitreTactics:      []string{"defense-evasion"},
			MitreTechniques:   []string{"T1562.001"},
			RecommendedAction: "Restore Defender settings and investigate the parent process",
			Condition: core.Match(core.Predicate{
				Kind: core.PredCommandLine,
				Patterns: []core.Pattern{
					core.Regex(`set-mppreference.*-disable`),
					core.Regex(`disable-?realtimemonitoring`),
					core.Regex(`(stop-service|sc(\.exe)?\s+stop)\s+windefend`),
					core.Regex(`remove-mppreference`),
					core.Regex(`mpcmdrun(\.exe)?\s+-removedefinitions`),
					core.Regex(`uninstall-windowsfeature\s+windows-defender`),
				},
			}),
		},
		{
			ID:              "HG-0004",
			Name:            "Discord webhook in command line",
			Description:     "Command line posts to a Discord webhook, a common exfiltration channel for scripts",
			Severity:        core.SeverityHigh,
			Enabled:         true,
			MitreTactics:    []string{"exfiltration"},
			MitreTechniques: []string{"T1567"},
			Condition: core.Match(core.Predicate{
				Kind:     core.PredCommandLine,
				Patterns: []core.Pattern{core.Regex(`discord(app)?\.com/api/webhooks/`)},
			}),
		},
		{
			ID:              "HG-0005",
			Name:            "Living-off-the-land download or proxy execution",
			Description:     "A signed Windows utility was used to fetch or execute remote content",
			Severity:        core.SeverityHigh,
			Enabled:         true,
			MitreTactics:    []string{"defense-evasion", "command-and-control"},
			MitreTechniques: []string{"T1218", "T1105"},
			Condition: core.Match(core.Predicate{
				Kind: core.PredCommandLine,
				Patterns: []core.Pattern{
					core.Regex(`certutil(\.exe)?\s.*-(urlcache|decode)`),
					core.Regex(`bitsadmin(\.exe)?\s.*/transfer`),
					core.Regex(`regsvr32(\.exe)?\s.*/i:\s*https?:`),
					core.Regex(`mshta(\.exe)?\s+["']?(https?:|javascript:|vbscript:)`),
					core.Regex(`rundll32(\.exe)?\s.*javascript:`),
				},
			}),
		},
		{
			ID:              "HG-0006",
			Name:            "Unsigned process from a staging directory made a connection",
			Description:     "An unsigned image running from a temp or public directory connected out",
			Severity:        core.SeverityMedium,
			Enabled:         true,
			MitreTactics:    []string{"command-and-control"},
			MitreTechniques: []string{"T1071"},
			Condition: core.All(
				core.Match(core.Predicate{Kind: core.PredUnsignedNetwork}),
				core.Match(core.Predicate{Kind: core.PredImagePath, Patterns: stagingDirs}),
			),
		},
		{
			ID:              "HG-0007",
			Name:            "Connection to a low-reputation address",
			Description:     "Remote address reputation is at or below 20",
			Severity:        core.SeverityMedium,
			Enabled:         true,
			MitreTactics:    []string{"command-and-control"},
			MitreTechniques: []string{"T1071"},
			Condition: core.Match(core.Predicate{
				Kind:      core.PredReputation,
				Threshold: 20,
			}),
		},
		{
			ID:              "HG-0008",
			Name:            "Autorun registry key written",
			Description:     "A Run or RunOnce value was created or changed",
			Severity:        core.SeverityMedium,
			Enabled:         true,
			MitreTactics:    []string{"persistence"},
			MitreTechniques: []string{"T1547.001"},
			Condition: core.Match(core.Predicate{
				Kind:     core.PredRegistryKey,
				Patterns: []core.Pattern{core.Regex(`\\Software\\(Wow6432Node\\)?Microsoft\\Windows\\CurrentVersion\\Run(Once)?(\\|$)`)},
				Actions:  []core.RegistryAction{core.RegistryCreate, core.RegistryModify},
			}),
		},
		{
			ID:                "HG-0009",
			Name:              "Windows Defender registry tampering",
			Description:       "A Defender configuration or policy key was changed",
			Severity:          core.SeverityHigh,
			Enabled:           true,
			MitreTactics:      []string{"defense-evasion"},
			MitreTechniques:   []string{"T1562.001"},
			RecommendedAction: "Restore Defender policy and check for other tampering on the host",
			Condition: core.Match(core.Predicate{
				Kind:     core.PredRegistryKey,
				Patterns: []core.Pattern{core.Regex(`\\Software\\(Policies\\)?Microsoft\\Windows Defender(\\|$)`)},
			}),
		},
		{
			ID:              "HG-0010",
			Name:            "Hidden PowerShell running a script from removable or user storage",
			Description:     "PowerShell was started with a hidden window and -File pointing off the system drive or into a user-writable path",
			Severity:        core.SeverityHigh,
			Enabled:         true,
			MitreTactics:    []string{"execution", "defense-evasion"},
			MitreTechniques: []string{"T1059.001", "T1564.003"},
			Condition: core.All(
				core.Match(core.Predicate{Kind: core.PredProcessName, Patterns: powershellImages}),
				core.Match(core.Predicate{Kind: core.PredCommandLine, Patterns: []core.Pattern{
					core.Regex(`-w(indowstyle)?\s+hidden`),
				}}),
				core.Match(core.Predicate{Kind: core.PredCommandLine, Patterns: []core.Pattern{
					core.Regex(`-f(ile)?\s+["'` + "`" + `]?([abd-z]:|\S*(circuitpy|removable|usb|temp|appdata|downloads|public))`),
				}}),
			),
		},
	}
}
